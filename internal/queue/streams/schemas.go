package streams

// Control message types accepted from clients.
const (
	ControlUserInput = "USER_INPUT_RECEIVED"
	ControlSOPAmend  = "SOP_AMEND"
	ControlTerminate = "TERMINATE"
)

var controlDefinitions = []Definition{
	{
		Type:    ControlUserInput,
		Version: "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["task_id", "values"],
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "values": {"type": "object"}
  },
  "additionalProperties": true
}`),
	},
	{
		Type:    ControlSOPAmend,
		Version: "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["text"],
  "properties": {
    "text": {"type": "string", "minLength": 1}
  },
  "additionalProperties": true
}`),
	},
	{
		Type:    ControlTerminate,
		Version: "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "reason": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
}

// ControlDefinitions returns the schemas of client control messages.
func ControlDefinitions() []Definition {
	out := make([]Definition, len(controlDefinitions))
	copy(out, controlDefinitions)
	return out
}

// RegisterControlSchemas registers all control message schemas.
func RegisterControlSchemas(reg *SchemaRegistry) error {
	return reg.RegisterAll(controlDefinitions)
}
