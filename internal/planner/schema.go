package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed task_schema.json
var taskSchemaJSON string

// TaskSpec is one planned task. Ordinals start at 1; 0 is reserved for the tree root.
type TaskSpec struct {
	Ordinal      int                    `json:"ordinal"`
	Title        string                 `json:"title"`
	Profile      string                 `json:"profile"`
	DependsOn    []int                  `json:"depends_on,omitempty"`
	Tools        []string               `json:"tools,omitempty"`
	Inputs       map[string]string      `json:"inputs,omitempty"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`
}

var (
	compileOnce sync.Once
	taskSchema  *jsonschema.Schema
	compileErr  error
)

// TaskSchema returns the compiled JSON Schema for decomposition output.
func TaskSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("task_schema.json", strings.NewReader(taskSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("task_schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile task schema: %w", err)
			return
		}
		taskSchema = schema
	})
	return taskSchema, compileErr
}

// validateTaskDocument checks raw decomposition JSON against the task schema.
func validateTaskDocument(data []byte) error {
	schema, err := TaskSchema()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("tasks are not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("tasks do not match schema: %w", err)
	}
	return nil
}
