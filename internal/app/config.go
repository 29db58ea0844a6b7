package app

// Options controls application bootstrap.
type Options struct {
	// ConfigPath is the configuration directory; empty means the default
	// ~/.config/conductor.
	ConfigPath string

	// Debug forces debug-level logging regardless of the configured level.
	Debug bool

	// Silent suppresses all log output.
	Silent bool

	// DisableMetrics skips the Prometheus endpoint even when configured.
	DisableMetrics bool

	// DisableWatcher skips the rule file hot-reload watcher.
	DisableWatcher bool
}
