package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync/atomic"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaSeq int64

// argValidator checks invocation arguments against a tool's declared parameter schema.
type argValidator struct {
	schema *jsonschema.Schema
}

func compileArgs(tool string, params map[string]interface{}) (*argValidator, error) {
	if len(params) == 0 {
		return &argValidator{}, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("tool %s: encode schema: %w", tool, err)
	}
	url := fmt.Sprintf("tool-%d-%s.json", atomic.AddInt64(&schemaSeq, 1), tool)
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("tool %s: add schema: %w", tool, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", tool, err)
	}
	return &argValidator{schema: s}, nil
}

func (v *argValidator) validate(args map[string]interface{}) error {
	if v == nil || v.schema == nil {
		return nil
	}
	// round-trip so numbers and nested maps have the shapes the validator expects
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	return v.schema.Validate(doc)
}
