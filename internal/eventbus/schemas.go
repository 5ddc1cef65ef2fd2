package eventbus

import (
	"encoding/json"
	"fmt"

	"github.com/mohammad-safakhou/linsight/internal/queue/streams"
)

const schemaVersion = "v1"

func objectSchema(required []string, props string) []byte {
	req, _ := json.Marshal(required)
	return []byte(fmt.Sprintf(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": %s,
  "properties": {%s},
  "additionalProperties": true
}`, req, props))
}

const taskIDProp = `"task_id": {"type": "string", "minLength": 1}`

var eventDefinitions = []streams.Definition{
	{Type: string(KindPlanStarted), Version: schemaVersion, Schema: objectSchema([]string{}, `"question": {"type": "string"}`)},
	{Type: string(KindSOPReady), Version: schemaVersion, Schema: objectSchema([]string{"sop"}, `"sop": {"type": "string"}`)},
	{Type: string(KindTaskTreeReady), Version: schemaVersion, Schema: objectSchema([]string{"tasks"},
		`"tasks": {"type": "array", "minItems": 1, "items": {"type": "object", "required": ["task_id", "title"]}}`)},
	{Type: string(KindTaskStarted), Version: schemaVersion, Schema: objectSchema([]string{"task_id"}, taskIDProp)},
	{Type: string(KindStepThought), Version: schemaVersion, Schema: objectSchema([]string{"task_id", "text"}, taskIDProp+`, "text": {"type": "string"}`)},
	{Type: string(KindStepAction), Version: schemaVersion, Schema: objectSchema([]string{"task_id", "tool", "args"},
		taskIDProp+`, "tool": {"type": "string", "minLength": 1}, "args": {"type": "object"}`)},
	{Type: string(KindStepObservation), Version: schemaVersion, Schema: objectSchema([]string{"task_id", "text"}, taskIDProp+`, "text": {"type": "string"}`)},
	{Type: string(KindLLMToken), Version: schemaVersion, Schema: objectSchema([]string{"task_id", "delta"}, taskIDProp+`, "delta": {"type": "string"}`)},
	{Type: string(KindTaskCompleted), Version: schemaVersion, Schema: objectSchema([]string{"task_id", "result"}, taskIDProp+`, "result": {"type": "string"}`)},
	{Type: string(KindTaskFailed), Version: schemaVersion, Schema: objectSchema([]string{"task_id", "reason"}, taskIDProp+`, "reason": {"type": "string"}`)},
	{Type: string(KindUserInputRequested), Version: schemaVersion, Schema: objectSchema([]string{"task_id", "schema"},
		taskIDProp+`, "schema": {"type": "array", "items": {"type": "object", "required": ["key", "type"], "properties": {"type": {"enum": ["text", "choice", "file"]}}}}`)},
	{Type: string(KindUserInputReceived), Version: schemaVersion, Schema: objectSchema([]string{"task_id"}, taskIDProp)},
	{Type: string(KindQueuePosition), Version: schemaVersion, Schema: objectSchema([]string{"n"}, `"n": {"type": "integer", "minimum": 0}`)},
	{Type: string(KindFinalResult), Version: schemaVersion, Schema: objectSchema([]string{"artifact"}, `"artifact": {}`)},
	{Type: string(KindErrorMessage), Version: schemaVersion, Schema: objectSchema([]string{"text"}, `"text": {"type": "string", "minLength": 1}, "code": {"type": "integer"}`)},
	{Type: string(KindTaskTerminated), Version: schemaVersion, Schema: objectSchema([]string{}, `"reason": {"type": "string"}`)},
}

// RegisterEventSchemas registers payload schemas for every event kind.
func RegisterEventSchemas(reg *streams.SchemaRegistry) error {
	return reg.RegisterAll(eventDefinitions)
}

// NewEventRegistry returns a registry holding every event payload schema.
func NewEventRegistry() (*streams.SchemaRegistry, error) {
	reg := streams.NewSchemaRegistry()
	if err := RegisterEventSchemas(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// prepare encodes and validates a payload before it is stored.
func prepare(reg *streams.SchemaRegistry, kind Kind, payload interface{}) (json.RawMessage, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	if reg != nil {
		if err := reg.Validate(string(kind), schemaVersion, data); err != nil {
			return nil, fmt.Errorf("%s payload: %w", kind, err)
		}
	}
	return data, nil
}
