package config

import "time"

// Config represents the tunnel server configuration
type Config struct {
	Node     NodeConfig     `json:"node" yaml:"node"`
	Service  ServiceConfig  `json:"service" yaml:"service"`
	Provider ProviderConfig `json:"provider" yaml:"provider"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// NodeConfig contains listener settings
type NodeConfig struct {
	Name           string `json:"name" yaml:"name"`
	ListenAddr     string `json:"listen_addr" yaml:"listen_addr"`
	MaxConnections int    `json:"max_connections" yaml:"max_connections"`
}

// ServiceConfig describes how the listener is advertised on the local network
type ServiceConfig struct {
	Advertise bool     `json:"advertise" yaml:"advertise"`
	Name      string   `json:"name" yaml:"name"`     // instance name, defaults to node name
	Type      string   `json:"type" yaml:"type"`     // e.g. _tunnelserver._tcp
	Domain    string   `json:"domain" yaml:"domain"` // usually local.
	TXT       []string `json:"txt" yaml:"txt"`
}

// ProviderConfig contains data-plane channel settings
type ProviderConfig struct {
	Secret          string `json:"secret" yaml:"secret"`                     // shared secret; empty disables frame sealing
	ResponseTimeout int    `json:"response_timeout" yaml:"response_timeout"` // seconds
	MaxFrameSize    int    `json:"max_frame_size" yaml:"max_frame_size"`
}

// Timeout returns the response timeout as a duration
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.ResponseTimeout) * time.Second
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Path    string `json:"path" yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

// InstanceName returns the advertised instance name
func (c *Config) InstanceName() string {
	if c.Service.Name != "" {
		return c.Service.Name
	}
	return c.Node.Name
}
