package config

const (
	// DefaultMetricsPort is where the Prometheus endpoint listens.
	DefaultMetricsPort = 9090
	// DefaultMetricsHost binds the metrics endpoint to loopback.
	DefaultMetricsHost = "localhost"
)

// DefaultConfig returns the configuration used when no config.yaml exists.
// Lifecycle zero values defer to the manager's own defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			MetricsHost: DefaultMetricsHost,
			MetricsPort: DefaultMetricsPort,
			LogLevel:    "info",
		},
	}
}
