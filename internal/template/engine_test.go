package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/api"
)

func TestSubstituteString(t *testing.T) {
	e := New()

	result, err := e.Substitute("restart {{ instance }} at {{count}}", map[string]interface{}{
		"instance": "web-0",
		"count":    3,
	})
	require.NoError(t, err)
	assert.Equal(t, "restart web-0 at 3", result)
}

func TestSubstituteNested(t *testing.T) {
	e := New()

	value := map[string]interface{}{
		"target": "{{ plugin }}-{{ ordinal }}",
		"items": []interface{}{
			"{{ plugin }}",
			map[string]interface{}{"replicas": "{{ ordinal }}"},
		},
		"timeout": 30,
	}
	result, err := e.Substitute(value, map[string]interface{}{
		"plugin":  "cache",
		"ordinal": 2,
	})
	require.NoError(t, err)

	m := result.(map[string]interface{})
	assert.Equal(t, "cache-2", m["target"])
	assert.Equal(t, 30, m["timeout"])
	items := m["items"].([]interface{})
	assert.Equal(t, "cache", items[0])
	assert.Equal(t, "2", items[1].(map[string]interface{})["replicas"])
}

func TestSubstituteMissingParameter(t *testing.T) {
	e := New()

	_, err := e.Substitute("start {{ instance }}", map[string]interface{}{})
	require.Error(t, err)
	assert.True(t, api.IsValidation(err))
	assert.Contains(t, err.Error(), "instance")
}

func TestParameters(t *testing.T) {
	e := New()

	names := e.Parameters(map[string]interface{}{
		"a": "{{ x }} and {{ y }}",
		"b": []interface{}{"{{x}}", "{{ .z }}"},
	})
	assert.ElementsMatch(t, []string{"x", "y", "z"}, names)
}

func TestValidateParameters(t *testing.T) {
	e := New()

	value := "scale {{ plugin }} to {{ replicas }}"
	assert.NoError(t, e.ValidateParameters(value, map[string]interface{}{
		"plugin":   "worker",
		"replicas": 5,
	}))

	err := e.ValidateParameters(value, map[string]interface{}{"plugin": "worker"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replicas")
}

func TestMergeParams(t *testing.T) {
	merged := MergeParams(
		map[string]interface{}{"a": 1, "b": 2},
		map[string]interface{}{"b": 3, "c": 4},
	)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 3, "c": 4}, merged)
}

func TestRenderMessage(t *testing.T) {
	out, err := RenderMessage("instance {{ .instance | upper }} is {{ .state }}", map[string]interface{}{
		"instance": "web-0",
		"state":    "unhealthy",
	})
	require.NoError(t, err)
	assert.Equal(t, "instance WEB-0 is unhealthy", out)

	_, err = RenderMessage("{{ .missing }}", map[string]interface{}{})
	assert.Error(t, err)
}
