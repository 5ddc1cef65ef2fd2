package streams

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps a control message persisted to a Redis stream. Control messages travel from
// whichever node holds the client connection to the node running the session-version.
type Envelope struct {
	ControlID      string          `json:"control_id"`
	Type           string          `json:"event_type"`
	VersionID      string          `json:"version_id"`
	UserID         string          `json:"user_id,omitempty"`
	IssuedAt       time.Time       `json:"issued_at"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// ValidateBasic ensures mandatory envelope fields are present before schema validation.
func (e *Envelope) ValidateBasic() error {
	if e.ControlID == "" {
		return fmt.Errorf("control_id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.VersionID == "" {
		return fmt.Errorf("version_id is required")
	}
	if e.PayloadVersion == "" {
		e.PayloadVersion = "v1"
	}
	if e.IssuedAt.IsZero() {
		e.IssuedAt = time.Now().UTC()
	}
	if len(e.Data) == 0 {
		e.Data = json.RawMessage(`{}`)
	}
	return nil
}

// Marshal returns the JSON encoding of the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope parses JSON bytes into an Envelope and validates required fields.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}
