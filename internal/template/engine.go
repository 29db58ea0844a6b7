package template

import (
	"fmt"
	"regexp"
	"strings"

	"conductor/internal/api"
)

// Engine substitutes parameters into batch template definitions. Values of
// the form {{ name }} (dot prefix and space variants included) are replaced
// from a parameter map, recursing through maps and slices.
type Engine struct {
	pattern *regexp.Regexp
}

// New creates a template engine.
func New() *Engine {
	return &Engine{
		pattern: regexp.MustCompile(`\{\{\s*\.?([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`),
	}
}

// Substitute replaces all parameter references in value. A reference to a
// parameter absent from params is a validation error.
func (e *Engine) Substitute(value interface{}, params map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return e.substituteString(v, params)
	case map[string]interface{}:
		return e.substituteMap(v, params)
	case []interface{}:
		return e.substituteSlice(v, params)
	default:
		return value, nil
	}
}

func (e *Engine) substituteString(s string, params map[string]interface{}) (string, error) {
	matches := e.pattern.FindAllStringSubmatch(s, -1)

	var missing []string
	result := s
	for _, match := range matches {
		if len(match) < 2 {
			continue
		}
		name := match[1]
		replacement, ok := params[name]
		if !ok {
			missing = append(missing, name)
			continue
		}

		str := stringify(replacement)
		for _, placeholder := range []string{
			fmt.Sprintf("{{ %s }}", name),
			fmt.Sprintf("{{ .%s }}", name),
			fmt.Sprintf("{{%s}}", name),
			fmt.Sprintf("{{.%s}}", name),
		} {
			result = strings.ReplaceAll(result, placeholder, str)
		}
	}

	if len(missing) > 0 {
		return "", api.NewValidationError("template", "parameters",
			"missing parameters: "+strings.Join(missing, ", "))
	}
	return result, nil
}

func (e *Engine) substituteMap(m map[string]interface{}, params map[string]interface{}) (map[string]interface{}, error) {
	result := make(map[string]interface{}, len(m))
	for key, value := range m {
		substituted, err := e.Substitute(value, params)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		result[key] = substituted
	}
	return result, nil
}

func (e *Engine) substituteSlice(s []interface{}, params map[string]interface{}) ([]interface{}, error) {
	result := make([]interface{}, len(s))
	for i, value := range s {
		substituted, err := e.Substitute(value, params)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		result[i] = substituted
	}
	return result, nil
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case int, int32, int64:
		return fmt.Sprintf("%d", v)
	case float32, float64:
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Parameters returns the distinct parameter names referenced by value, in
// no particular order.
func (e *Engine) Parameters(value interface{}) []string {
	names := make(map[string]bool)
	e.collect(value, names)

	result := make([]string, 0, len(names))
	for name := range names {
		result = append(result, name)
	}
	return result
}

func (e *Engine) collect(value interface{}, names map[string]bool) {
	switch v := value.(type) {
	case string:
		for _, match := range e.pattern.FindAllStringSubmatch(v, -1) {
			if len(match) >= 2 {
				names[match[1]] = true
			}
		}
	case map[string]interface{}:
		for _, item := range v {
			e.collect(item, names)
		}
	case []interface{}:
		for _, item := range v {
			e.collect(item, names)
		}
	}
}

// ValidateParameters checks that params covers every reference in value,
// without performing the substitution. Used for template dry runs.
func (e *Engine) ValidateParameters(value interface{}, params map[string]interface{}) error {
	var missing []string
	for _, name := range e.Parameters(value) {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return api.NewValidationError("template", "parameters",
			"missing parameters: "+strings.Join(missing, ", "))
	}
	return nil
}
