package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/TONresistor/tonnet-tunnel/internal/tunnelerr"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from a JSON or YAML file, overlaying it on the
// defaults. Every failure wraps tunnelerr.ErrConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config: %v", tunnelerr.ErrConfig, err)
	}

	cfg := Default()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", tunnelerr.ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes configuration to a file, YAML or JSON depending on extension
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	if c.Node.ListenAddr != "" && net.ParseIP(c.Node.ListenAddr) == nil && c.Node.ListenAddr != "localhost" {
		return fmt.Errorf("%w: invalid listen_addr %q", tunnelerr.ErrConfig, c.Node.ListenAddr)
	}
	if c.Node.MaxConnections < 0 {
		return fmt.Errorf("%w: max_connections must not be negative", tunnelerr.ErrConfig)
	}
	if c.Service.Advertise {
		if !strings.HasSuffix(c.Service.Type, "._tcp") {
			return fmt.Errorf("%w: service type %q must end in ._tcp", tunnelerr.ErrConfig, c.Service.Type)
		}
		if c.InstanceName() == "" {
			return fmt.Errorf("%w: service name is empty", tunnelerr.ErrConfig)
		}
	}
	if c.Provider.ResponseTimeout <= 0 {
		return fmt.Errorf("%w: response_timeout must be positive", tunnelerr.ErrConfig)
	}
	if c.Provider.MaxFrameSize <= 0 || c.Provider.MaxFrameSize > maxFrameSizeLimit {
		return fmt.Errorf("%w: max_frame_size %d out of range", tunnelerr.ErrConfig, c.Provider.MaxFrameSize)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("%w: metrics path %q must start with /", tunnelerr.ErrConfig, c.Metrics.Path)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", tunnelerr.ErrConfig, c.Logging.Level)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
