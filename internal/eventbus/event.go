package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/linsight/models"
)

// Kind names an event on a session-version stream.
type Kind string

const (
	KindPlanStarted        Kind = "PLAN_STARTED"
	KindSOPReady           Kind = "SOP_READY"
	KindTaskTreeReady      Kind = "TASK_TREE_READY"
	KindTaskStarted        Kind = "TASK_STARTED"
	KindStepThought        Kind = "STEP_THOUGHT"
	KindStepAction         Kind = "STEP_ACTION"
	KindStepObservation    Kind = "STEP_OBSERVATION"
	KindLLMToken           Kind = "LLM_TOKEN"
	KindTaskCompleted      Kind = "TASK_COMPLETED"
	KindTaskFailed         Kind = "TASK_FAILED"
	KindUserInputRequested Kind = "USER_INPUT_REQUESTED"
	KindUserInputReceived  Kind = "USER_INPUT_RECEIVED"
	KindQueuePosition      Kind = "QUEUE_POSITION"
	KindFinalResult        Kind = "FINAL_RESULT"
	KindErrorMessage       Kind = "ERROR_MESSAGE"
	KindTaskTerminated     Kind = "TASK_TERMINATED"
)

// Kinds lists every event kind in declaration order.
var Kinds = []Kind{
	KindPlanStarted, KindSOPReady, KindTaskTreeReady, KindTaskStarted,
	KindStepThought, KindStepAction, KindStepObservation, KindLLMToken,
	KindTaskCompleted, KindTaskFailed, KindUserInputRequested, KindUserInputReceived,
	KindQueuePosition, KindFinalResult, KindErrorMessage, KindTaskTerminated,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is one entry of a session-version stream. Its JSON form is the wire envelope
// {"event_type", "data", "seq", "ts"}.
type Event struct {
	VersionID string          `json:"-"`
	Seq       int64           `json:"seq"`
	Kind      Kind            `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	TS        int64           `json:"ts"` // epoch milliseconds
}

// Time returns the event timestamp.
func (e Event) Time() time.Time { return time.UnixMilli(e.TS).UTC() }

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %d has no data", e.Seq)
	}
	return json.Unmarshal(e.Data, v)
}

func nowMillis() int64 { return time.Now().UTC().UnixMilli() }

func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// Payloads carried by each kind.

type PlanStarted struct {
	Question string `json:"question"`
}

type SOPReady struct {
	SOP string `json:"sop"`
}

type TaskNode struct {
	TaskID    string   `json:"task_id"`
	ParentID  string   `json:"parent_id,omitempty"`
	Ordinal   int      `json:"ordinal"`
	Title     string   `json:"title"`
	Profile   string   `json:"profile,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	DependsOn []int    `json:"depends_on,omitempty"`
}

type TaskTreeReady struct {
	Tasks []TaskNode `json:"tasks"`
}

type TaskStarted struct {
	TaskID string `json:"task_id"`
	Title  string `json:"title,omitempty"`
}

type StepThought struct {
	TaskID string `json:"task_id"`
	Text   string `json:"text"`
}

type StepAction struct {
	TaskID string                 `json:"task_id"`
	Tool   string                 `json:"tool"`
	Args   map[string]interface{} `json:"args"`
}

type StepObservation struct {
	TaskID string `json:"task_id"`
	Text   string `json:"text"`
}

type LLMToken struct {
	TaskID string `json:"task_id"`
	Delta  string `json:"delta"`
}

type TaskCompleted struct {
	TaskID string `json:"task_id"`
	Result string `json:"result"`
}

type TaskFailed struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

type UserInputRequested struct {
	TaskID    string              `json:"task_id"`
	RequestID string              `json:"request_id"`
	Schema    []models.InputField `json:"schema"`
}

type UserInputReceived struct {
	TaskID string `json:"task_id"`
}

type QueuePosition struct {
	N int `json:"n"`
}

type FinalResult struct {
	Artifact interface{} `json:"artifact"`
}

type ErrorMessage struct {
	Text string `json:"text"`
	Code int    `json:"code,omitempty"`
}

type TaskTerminated struct {
	Reason string `json:"reason,omitempty"`
	Status string `json:"status,omitempty"`
}
