package batch

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"conductor/internal/api"
	"conductor/internal/template"
	"conductor/pkg/logging"
)

// CreateTemplate validates and stores a batch template.
func (c *Coordinator) CreateTemplate(t Template) (string, error) {
	if strings.TrimSpace(t.TemplateID) == "" {
		return "", api.NewValidationError("template", "templateId", "must not be empty")
	}
	if strings.TrimSpace(t.Name) == "" {
		return "", api.NewValidationError("template", "name", "must not be empty")
	}
	if len(t.Items) == 0 {
		return "", api.NewValidationError("template", "items", "must not be empty")
	}
	if err := c.templates.Register(t.TemplateID, t); err != nil {
		return "", err
	}
	logging.Debug("Batch", "Created template %s (%d items, %d parameters)", t.TemplateID, len(t.Items), len(t.Parameters))
	return t.TemplateID, nil
}

// GetTemplate returns a stored template.
func (c *Coordinator) GetTemplate(templateID string) (Template, bool) {
	return c.templates.Get(templateID)
}

// ListTemplates returns all stored templates.
func (c *Coordinator) ListTemplates() []Template {
	return c.templates.List()
}

// ExecuteFromTemplate instantiates a template into a concrete batch by
// substituting parameters, stores the batch, and executes it. Missing
// required parameters are a validation error; defaults fill optional ones.
func (c *Coordinator) ExecuteFromTemplate(ctx context.Context, templateID string, params map[string]interface{}, execCtx ExecutionContext) (string, error) {
	t, ok := c.templates.Get(templateID)
	if !ok {
		return "", api.NewNotFoundError("template", templateID)
	}

	merged := make(map[string]interface{}, len(params))
	var missing []string
	for _, p := range t.Parameters {
		if value, ok := params[p.Name]; ok {
			merged[p.Name] = value
			continue
		}
		if p.Default != nil {
			merged[p.Name] = p.Default
			continue
		}
		if p.Required {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return "", api.NewValidationError("template", "parameters",
			"missing required parameters: "+strings.Join(missing, ", "))
	}
	// Parameters outside the declared list still substitute; templates may
	// reference ad-hoc names.
	for name, value := range params {
		if _, ok := merged[name]; !ok {
			merged[name] = value
		}
	}

	op, err := c.instantiate(t, merged)
	if err != nil {
		return "", err
	}
	if _, err := c.CreateBatch(op); err != nil {
		return "", err
	}

	logging.Info("Batch", "Instantiated template %s as batch %s", templateID, op.BatchID)
	return c.ExecuteBatchWithContext(ctx, op.BatchID, execCtx)
}

// instantiate substitutes parameters into a copy of the template's items.
func (c *Coordinator) instantiate(t Template, params map[string]interface{}) (Operation, error) {
	engine := template.New()

	items := make([]Item, len(t.Items))
	for i, item := range t.Items {
		target, err := engine.Substitute(item.Target, params)
		if err != nil {
			return Operation{}, fmt.Errorf("item %s: %w", item.ItemID, err)
		}
		item.Target = target.(string)

		if item.Config != nil {
			config, err := engine.Substitute(item.Config, params)
			if err != nil {
				return Operation{}, fmt.Errorf("item %s: %w", item.ItemID, err)
			}
			item.Config = config.(map[string]interface{})
		}
		items[i] = item
	}

	return Operation{
		BatchID:     fmt.Sprintf("%s-%s", t.TemplateID, uuid.NewString()),
		Name:        t.Name,
		Description: t.Description,
		Items:       items,
		Strategy:    t.Strategy,
	}, nil
}
