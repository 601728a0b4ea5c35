package config

const (
	// ServiceType is the advertised service type clients browse for
	ServiceType = "_tunnelserver._tcp"

	DefaultMaxFrameSize = 64 * 1024
	maxFrameSizeLimit   = 16 * 1024 * 1024
)

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Name:           "tonnet-tunnel",
			ListenAddr:     "0.0.0.0",
			MaxConnections: 64,
		},
		Service: ServiceConfig{
			Advertise: true,
			Type:      ServiceType,
			Domain:    "local.",
			TXT:       []string{},
		},
		Provider: ProviderConfig{
			ResponseTimeout: 10,
			MaxFrameSize:    DefaultMaxFrameSize,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
