package streams

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry stores compiled JSON Schemas keyed by message type and payload version.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]map[string]*jsonschema.Schema
}

// NewSchemaRegistry constructs an empty registry instance.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]map[string]*jsonschema.Schema)}
}

// Definition describes a schema entry managed by the registry.
type Definition struct {
	Type    string
	Version string
	Schema  []byte
}

// Register compiles and stores a JSON schema for the given message type and version.
func (r *SchemaRegistry) Register(msgType, version string, schemaBytes []byte) error {
	if msgType == "" {
		return fmt.Errorf("type must be provided")
	}
	if version == "" {
		return fmt.Errorf("version must be provided")
	}
	if len(schemaBytes) == 0 {
		return fmt.Errorf("schema for %s is empty", msgType)
	}

	url := msgType + "." + version + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(schemaBytes)); err != nil {
		return fmt.Errorf("add schema resource %s: %w", msgType, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", msgType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[msgType]; !ok {
		r.schemas[msgType] = make(map[string]*jsonschema.Schema)
	}
	r.schemas[msgType][version] = compiled
	return nil
}

// RegisterAll registers every definition, stopping at the first failure.
func (r *SchemaRegistry) RegisterAll(defs []Definition) error {
	for _, def := range defs {
		if err := r.Register(def.Type, def.Version, def.Schema); err != nil {
			return err
		}
	}
	return nil
}

// Has reports whether any version of msgType is registered.
func (r *SchemaRegistry) Has(msgType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[msgType]
	return ok
}

// Validate checks payload bytes against the registered schema for type/version.
func (r *SchemaRegistry) Validate(msgType, version string, payload []byte) error {
	if msgType == "" {
		return fmt.Errorf("type must be provided")
	}
	if version == "" {
		return fmt.Errorf("version must be provided")
	}

	r.mu.RLock()
	versions, ok := r.schemas[msgType]
	var schema *jsonschema.Schema
	if ok {
		schema, ok = versions[version]
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no schema registered for %q version %q", msgType, version)
	}

	if len(payload) == 0 {
		return fmt.Errorf("payload is empty")
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload validation failed: %w", err)
	}
	return nil
}
