package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30s" or
// "5m" instead of nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration structure for conductor.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Lifecycle LifecycleConfig  `yaml:"lifecycle"`
	Plugins   []PluginManifest `yaml:"plugins"`
	Policies  PolicyConfig     `yaml:"policies"`
}

// ServerConfig configures the serve mode surface.
type ServerConfig struct {
	// MetricsHost and MetricsPort bind the Prometheus endpoint.
	MetricsHost string `yaml:"metricsHost,omitempty"`
	MetricsPort int    `yaml:"metricsPort,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel,omitempty"`
	// LogJSON switches the log handler to JSON output.
	LogJSON bool `yaml:"logJson,omitempty"`
}

// LifecycleConfig tunes the lifecycle manager. Zero values fall back to
// the manager defaults.
type LifecycleConfig struct {
	ConcurrentOperations int      `yaml:"concurrentOperations,omitempty"`
	DefaultTimeout       Duration `yaml:"defaultTimeout,omitempty"`
	HistoryLimit         int      `yaml:"historyLimit,omitempty"`
	GracePeriod          Duration `yaml:"gracePeriod,omitempty"`
	MetricsInterval      Duration `yaml:"metricsInterval,omitempty"`
}

// ResourceLimits bounds a plugin instance. Informational for now; the
// local runtime reports usage but does not enforce limits.
type ResourceLimits struct {
	CPUPercent  float64 `yaml:"cpuPercent,omitempty"`
	MemoryBytes uint64  `yaml:"memoryBytes,omitempty"`
}

// PluginManifest declares one plugin: how many instances to register and
// what it depends on. Instance ids follow the <id>-<ordinal> convention.
type PluginManifest struct {
	ID        string          `yaml:"id"`
	Version   string          `yaml:"version,omitempty"`
	Instances int             `yaml:"instances,omitempty"`
	DependsOn []string        `yaml:"dependsOn,omitempty"`
	Resources *ResourceLimits `yaml:"resources,omitempty"`
}

// InstanceIDs returns the instance ids the manifest declares. A manifest
// without an explicit count declares a single instance.
func (m PluginManifest) InstanceIDs() []string {
	count := m.Instances
	if count <= 0 {
		count = 1
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", m.ID, i)
	}
	return ids
}

// WindowConfig is a daily time window written as "HH:MM" boundaries.
// Windows wrapping midnight (start after end) are supported.
type WindowConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Minutes parses the window boundaries into minutes since midnight.
func (w WindowConfig) Minutes() (start, end int, err error) {
	if start, err = parseClock(w.Start); err != nil {
		return 0, 0, err
	}
	if end, err = parseClock(w.End); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseClock(s string) (int, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, fmt.Errorf("invalid clock value %q: want HH:MM", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid clock value %q: out of range", s)
	}
	return hour*60 + minute, nil
}

// QuotaConfig bounds per-requester operations over a rolling window.
type QuotaConfig struct {
	MaxOperations int      `yaml:"maxOperations"`
	Window        Duration `yaml:"window"`
}

// PolicyConfig declares the policy rules applied to every operation.
type PolicyConfig struct {
	MaintenanceWindows []WindowConfig `yaml:"maintenanceWindows,omitempty"`
	Quota              *QuotaConfig   `yaml:"quota,omitempty"`

	// Authorization maps an operation kind to the requester types allowed
	// to issue it. Kinds without an entry are open.
	Authorization map[string][]string `yaml:"authorization,omitempty"`
}
