package service

import (
	"fmt"

	"github.com/osteele/liquid"

	"github.com/LeventeLantos/outbound-delivery/internal/model"
)

// TemplateRenderer substitutes per-recipient fields into campaign bodies.
// Unknown variables render as empty strings.
type TemplateRenderer struct {
	engine *liquid.Engine
}

func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{engine: liquid.NewEngine()}
}

type CompiledTemplate struct {
	tpl *liquid.Template
}

func (r *TemplateRenderer) Compile(source string) (*CompiledTemplate, error) {
	tpl, err := r.engine.ParseString(source)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return &CompiledTemplate{tpl: tpl}, nil
}

func (t *CompiledTemplate) Render(rc model.Recipient) (string, error) {
	bindings := make(liquid.Bindings, len(rc.Fields)+1)
	for k, v := range rc.Fields {
		bindings[k] = v
	}
	if _, ok := bindings["destination"]; !ok {
		bindings["destination"] = rc.Destination
	}

	out, err := t.tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}
