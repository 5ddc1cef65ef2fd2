package tools

import (
	"context"
)

// Tool is the uniform callable surface the executor sees.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]interface{}
	Invoke(ctx context.Context, args map[string]interface{}) (string, error)
}

// Func adapts a Go function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	Parameters      map[string]interface{}
	Fn              func(ctx context.Context, args map[string]interface{}) (string, error)
}

func (f *Func) Name() string                   { return f.ToolName }
func (f *Func) Description() string            { return f.ToolDescription }
func (f *Func) Schema() map[string]interface{} { return f.Parameters }

func (f *Func) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	return f.Fn(ctx, args)
}

// ObjectSchema builds a JSON schema object with the given properties and required keys.
func ObjectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// Prop is a shorthand for a typed property with a description.
func Prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}
