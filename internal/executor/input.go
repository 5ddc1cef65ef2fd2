package executor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/linsight/internal/tools"
	"github.com/mohammad-safakhou/linsight/models"
)

// UserInputSchema is the argument schema of the synthetic call_user_input tool.
func UserInputSchema() map[string]interface{} {
	field := tools.ObjectSchema(map[string]interface{}{
		"key":      tools.Prop("string", "identifier of the value"),
		"type":     map[string]interface{}{"type": "string", "enum": []string{"text", "choice", "file"}},
		"label":    tools.Prop("string", "question shown to the user"),
		"options":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		"multiple": tools.Prop("boolean", "allow several choices or files"),
		"required": tools.Prop("boolean", "the task cannot continue without it"),
	}, "key")
	return tools.ObjectSchema(map[string]interface{}{
		"fields": map[string]interface{}{"type": "array", "minItems": 1, "items": field},
	}, "fields")
}

const userInputDescription = "Ask the user for information only they can provide. The task pauses until the user answers."

// inputRequest turns call_user_input arguments into a request for taskID.
func inputRequest(taskID string, args map[string]interface{}) (*models.InputRequest, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Fields []models.InputField `json:"fields"`
		Schema []models.InputField `json:"schema"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("fields: %w", err)
	}
	fields := decoded.Fields
	if len(fields) == 0 {
		fields = decoded.Schema
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("at least one field is required")
	}
	seen := make(map[string]bool, len(fields))
	for i := range fields {
		f := &fields[i]
		f.Key = strings.TrimSpace(f.Key)
		if f.Key == "" {
			return nil, fmt.Errorf("field %d has no key", i)
		}
		if seen[f.Key] {
			return nil, fmt.Errorf("field %q is repeated", f.Key)
		}
		seen[f.Key] = true
		switch f.Type {
		case "":
			f.Type = models.InputText
		case models.InputText, models.InputFile:
		case models.InputChoice:
			if len(f.Options) == 0 {
				return nil, fmt.Errorf("choice field %q needs options", f.Key)
			}
		default:
			return nil, fmt.Errorf("field %q has unknown type %q", f.Key, f.Type)
		}
	}
	return &models.InputRequest{ID: uuid.NewString(), TaskID: taskID, Schema: fields}, nil
}

// FormatAnswer renders user-provided values as an observation.
func FormatAnswer(values map[string]interface{}) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("The user answered:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %v", k, values[k])
	}
	return b.String()
}
