package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/api"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultMetricsPort, cfg.Server.MetricsPort)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Empty(t, cfg.Plugins)
}

func TestLoadConfigParsesFull(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), `
server:
  metricsPort: 9191
  logLevel: debug
lifecycle:
  concurrentOperations: 4
  defaultTimeout: 2m
  gracePeriod: 5s
plugins:
  - id: database
    version: 1.2.0
    instances: 1
  - id: web
    instances: 2
    dependsOn: [database]
    resources:
      cpuPercent: 50
policies:
  maintenanceWindows:
    - start: "02:00"
      end: "04:00"
  quota:
    maxOperations: 100
    window: 1h
  authorization:
    scale: [system, user]
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.MetricsPort)
	assert.Equal(t, 4, cfg.Lifecycle.ConcurrentOperations)
	assert.Equal(t, 2*time.Minute, cfg.Lifecycle.DefaultTimeout.Std())
	assert.Equal(t, 5*time.Second, cfg.Lifecycle.GracePeriod.Std())

	require.Len(t, cfg.Plugins, 2)
	assert.Equal(t, []string{"web-0", "web-1"}, cfg.Plugins[1].InstanceIDs())
	assert.Equal(t, []string{"database"}, cfg.Plugins[1].DependsOn)

	require.Len(t, cfg.Policies.MaintenanceWindows, 1)
	start, end, err := cfg.Policies.MaintenanceWindows[0].Minutes()
	require.NoError(t, err)
	assert.Equal(t, 120, start)
	assert.Equal(t, 240, end)
	require.NotNil(t, cfg.Policies.Quota)
	assert.Equal(t, time.Hour, cfg.Policies.Quota.Window.Std())
	assert.Equal(t, []string{"system", "user"}, cfg.Policies.Authorization["scale"])
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), "plugins: [}")

	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base := func() Config { return DefaultConfig() }

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative concurrency", func(c *Config) { c.Lifecycle.ConcurrentOperations = -1 }},
		{"unknown log level", func(c *Config) { c.Server.LogLevel = "loud" }},
		{"empty plugin id", func(c *Config) { c.Plugins = []PluginManifest{{ID: " "}} }},
		{"duplicate plugin id", func(c *Config) {
			c.Plugins = []PluginManifest{{ID: "a"}, {ID: "a"}}
		}},
		{"unknown dependency", func(c *Config) {
			c.Plugins = []PluginManifest{{ID: "a", DependsOn: []string{"ghost"}}}
		}},
		{"dependency cycle", func(c *Config) {
			c.Plugins = []PluginManifest{
				{ID: "a", DependsOn: []string{"b"}},
				{ID: "b", DependsOn: []string{"a"}},
			}
		}},
		{"bad window clock", func(c *Config) {
			c.Policies.MaintenanceWindows = []WindowConfig{{Start: "25:00", End: "04:00"}}
		}},
		{"zero quota", func(c *Config) {
			c.Policies.Quota = &QuotaConfig{MaxOperations: 0, Window: Duration(time.Hour)}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := Validate(cfg)
			assert.True(t, api.IsValidation(err), "got %v", err)
		})
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "rules", "restart.yaml"), `
id: restart-unhealthy
name: restart unhealthy instances
enabled: true
triggers:
  - id: on-unhealthy
    kind: health
    enabled: true
actions:
  - id: restart
    kind: restart-instance
    target: "{{ instanceId }}"
`)
	writeFile(t, filepath.Join(dir, "rules", "notes.txt"), "not a rule")

	rules, err := LoadRules(dir)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "restart-unhealthy", rules[0].ID)
	assert.True(t, rules[0].Enabled)
	require.Len(t, rules[0].Actions, 1)
	assert.Equal(t, "{{ instanceId }}", rules[0].Actions[0].Target)
}

func TestLoadRulesMissingDirectory(t *testing.T) {
	rules, err := LoadRules(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestLoadRulesRejectsInvalidRule(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "rules", "broken.yaml"), `
id: broken
name: no actions
triggers:
  - id: t
    kind: health
    enabled: true
actions: []
`)

	_, err := LoadRules(dir)
	assert.Error(t, err)
}

func TestWatchRulesReportsChanges(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(RulesDir(dir), 0o755))

	w, err := WatchRules(dir)
	require.NoError(t, err)
	defer w.Close()

	path := filepath.Join(RulesDir(dir), "new.yaml")
	writeFile(t, path, "id: new\n")

	select {
	case change := <-w.Changes():
		assert.Equal(t, path, change.Path)
		assert.False(t, change.Removed)
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
	}

	require.NoError(t, os.Remove(path))
	select {
	case change := <-w.Changes():
		assert.Equal(t, path, change.Path)
		assert.True(t, change.Removed)
	case <-time.After(2 * time.Second):
		t.Fatal("no removal reported")
	}
}
