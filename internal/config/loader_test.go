package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/TONresistor/tonnet-tunnel/internal/tunnelerr"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name:    "json",
			file:    "server.json",
			content: `{"node": {"name": "edge-1"}, "provider": {"secret": "s3cret"}}`,
		},
		{
			name:    "yaml",
			file:    "server.yaml",
			content: "node:\n  name: edge-1\nprovider:\n  secret: s3cret\n",
		},
		{
			name:    "yml",
			file:    "server.yml",
			content: "node:\n  name: edge-1\nprovider:\n  secret: s3cret\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Node.Name != "edge-1" {
				t.Errorf("Node.Name = %q, want edge-1", cfg.Node.Name)
			}
			if cfg.Provider.Secret != "s3cret" {
				t.Errorf("Provider.Secret = %q, want s3cret", cfg.Provider.Secret)
			}
			// untouched sections keep defaults
			if cfg.Service.Type != ServiceType {
				t.Errorf("Service.Type = %q, want %q", cfg.Service.Type, ServiceType)
			}
			if cfg.Provider.MaxFrameSize != DefaultMaxFrameSize {
				t.Errorf("MaxFrameSize = %d, want %d", cfg.Provider.MaxFrameSize, DefaultMaxFrameSize)
			}
		})
	}
}

func TestLoadFailuresAreConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.json") }},
		{"malformed json", func(t *testing.T) string { return writeFile(t, "bad.json", "{not json") }},
		{"malformed yaml", func(t *testing.T) string { return writeFile(t, "bad.yaml", "node: [unclosed") }},
		{"invalid value", func(t *testing.T) string {
			return writeFile(t, "bad.json", `{"provider": {"response_timeout": 0}}`)
		}},
		{"bad service type", func(t *testing.T) string {
			return writeFile(t, "bad.json", `{"service": {"advertise": true, "type": "_tunnelserver._udp"}}`)
		}},
		{"directory", func(t *testing.T) string { return t.TempDir() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path(t))
			if !errors.Is(err, tunnelerr.ErrConfig) {
				t.Errorf("Load error = %v, want ErrConfig", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"localhost", func(c *Config) { c.Node.ListenAddr = "localhost" }, false},
		{"bad listen addr", func(c *Config) { c.Node.ListenAddr = "not an ip" }, true},
		{"no advertise ignores type", func(c *Config) { c.Service.Advertise = false; c.Service.Type = "" }, false},
		{"empty instance name", func(c *Config) { c.Node.Name = ""; c.Service.Name = "" }, true},
		{"frame too large", func(c *Config) { c.Provider.MaxFrameSize = maxFrameSizeLimit + 1 }, true},
		{"metrics path", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Path = "metrics" }, true},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"server.json", "server.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := Default()
			cfg.Service.Name = "office"
			cfg.Service.TXT = []string{"v=1"}

			if err := Save(cfg, path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.InstanceName() != "office" {
				t.Errorf("InstanceName() = %q, want office", loaded.InstanceName())
			}
			if len(loaded.Service.TXT) != 1 || loaded.Service.TXT[0] != "v=1" {
				t.Errorf("TXT = %v, want [v=1]", loaded.Service.TXT)
			}
		})
	}
}
