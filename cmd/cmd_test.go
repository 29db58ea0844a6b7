package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigDir(t *testing.T, configYAML, ruleYAML string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(configYAML), 0o644))
	if ruleYAML != "" {
		rulesDir := filepath.Join(dir, "rules")
		require.NoError(t, os.MkdirAll(rulesDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(rulesDir, "rule.yaml"), []byte(ruleYAML), 0o644))
	}
	return dir
}

const validConfig = `
plugins:
  - id: database
    version: 1.0.0
  - id: web
    instances: 2
    dependsOn: [database]
`

const validRule = `
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
`

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3")
	var out bytes.Buffer
	cmd := newVersionCmd()
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "conductor version 1.2.3\n", out.String())
}

func TestValidateCommandAcceptsValidConfig(t *testing.T) {
	dir := writeConfigDir(t, validConfig, validRule)

	var out bytes.Buffer
	cmd := newValidateCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config-path", dir})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Configuration is valid")
}

func TestValidateCommandRejectsBadConfig(t *testing.T) {
	dir := writeConfigDir(t, `
plugins:
  - id: web
    dependsOn: [ghost]
`, "")

	cmd := newValidateCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"--config-path", dir})
	assert.Error(t, cmd.Execute())
}

func TestListCommandRendersTables(t *testing.T) {
	dir := writeConfigDir(t, validConfig, validRule)

	var out bytes.Buffer
	cmd := newListCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config-path", dir})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "database")
	assert.Contains(t, out.String(), "web")
	assert.Contains(t, out.String(), "restart-unhealthy")
}
