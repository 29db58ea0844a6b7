package template

import (
	"bytes"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"conductor/internal/api"
)

// RenderMessage renders a notification message body with the full Go
// template syntax plus the sprig function library. Automation rules use it
// for human-facing notification text; the lightweight Engine handles
// structured parameter maps.
func RenderMessage(text string, data map[string]interface{}) (string, error) {
	tmpl, err := template.New("message").Funcs(sprig.FuncMap()).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", api.NewValidationError("template", "message", err.Error())
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", api.NewValidationError("template", "message", err.Error())
	}
	return buf.String(), nil
}
