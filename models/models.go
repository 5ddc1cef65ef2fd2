package models

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrVersionNotFound is returned when a session version does not exist or is not owned by the caller.
	ErrVersionNotFound = errors.New("session version not found")
	// ErrInvalidTransition is returned when a status change would add a back-edge.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Session is the user-initiated conversation root.
type Session struct {
	ID               string    `json:"id"`
	UserID           int64     `json:"user_id"`
	Title            string    `json:"title"`
	CurrentVersionID string    `json:"current_version_id"`
	Terminal         bool      `json:"terminal"`
	CreatedAt        time.Time `json:"created_at"`
}

type VersionStatus string

const (
	VersionNotStarted VersionStatus = "NOT_STARTED"
	VersionInProgress VersionStatus = "IN_PROGRESS"
	VersionCompleted  VersionStatus = "COMPLETED"
	VersionTerminated VersionStatus = "TERMINATED"
	VersionFailed     VersionStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s VersionStatus) IsTerminal() bool {
	return s == VersionCompleted || s == VersionTerminated || s == VersionFailed
}

// CanTransition follows NOT_STARTED -> IN_PROGRESS -> {COMPLETED, TERMINATED, FAILED}.
// A version that never started may still be terminated or failed directly.
func (s VersionStatus) CanTransition(to VersionStatus) bool {
	switch s {
	case VersionNotStarted:
		return to == VersionInProgress || to == VersionTerminated || to == VersionFailed
	case VersionInProgress:
		return to.IsTerminal()
	default:
		return false
	}
}

// SessionVersion is one execution attempt of a session.
type SessionVersion struct {
	ID                       string          `json:"id"`
	SessionID                string          `json:"session_id"`
	UserID                   int64           `json:"user_id"`
	Question                 string          `json:"question"`
	Tools                    []ToolSelection `json:"tools"`
	OrgKnowledgeEnabled      bool            `json:"org_knowledge_enabled"`
	PersonalKnowledgeEnabled bool            `json:"personal_knowledge_enabled"`
	Files                    []FileRef       `json:"files"`
	SOP                      string          `json:"sop,omitempty"`
	OutputResult             json.RawMessage `json:"output_result,omitempty"`
	Status                   VersionStatus   `json:"status"`
	Score                    *int            `json:"score,omitempty"`
	ExecuteFeedback          string          `json:"execute_feedback,omitempty"`
	HasReexecute             bool            `json:"has_reexecute"`
	Version                  time.Time       `json:"version"`
	CreatedAt                time.Time       `json:"create_time"`
	UpdatedAt                time.Time       `json:"update_time"`
}

// KnowledgeEnabled reports whether any knowledge source was selected.
func (v SessionVersion) KnowledgeEnabled() bool {
	return v.OrgKnowledgeEnabled || v.PersonalKnowledgeEnabled
}

// ToolKeys flattens the selected tool tree into tool keys.
func (v SessionVersion) ToolKeys() []string {
	var keys []string
	for _, group := range v.Tools {
		for _, child := range group.Children {
			if child.ToolKey != "" {
				keys = append(keys, child.ToolKey)
			}
		}
	}
	return keys
}

// ToolSelection is a tool group chosen at submit time.
type ToolSelection struct {
	ID       int64       `json:"id"`
	Children []ToolChild `json:"children"`
}

type ToolChild struct {
	ID      int64  `json:"id"`
	ToolKey string `json:"tool_key"`
}

// FileRef points at an uploaded file the user attached.
type FileRef struct {
	FileID        string `json:"file_id"`
	FileName      string `json:"file_name"`
	ParsingStatus string `json:"parsing_status"`
	Summary       string `json:"summary,omitempty"`
}

type TaskStatus string

const (
	TaskWaiting    TaskStatus = "WAITING"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskInput      TaskStatus = "INPUT"
	TaskInputOver  TaskStatus = "INPUT_OVER"
	TaskSuccess    TaskStatus = "SUCCESS"
	TaskFailed     TaskStatus = "FAILED"
)

func (s TaskStatus) IsTerminal() bool { return s == TaskSuccess || s == TaskFailed }

// Task is a node of a version's task tree.
type Task struct {
	ID           string                 `json:"id"`
	VersionID    string                 `json:"version_id"`
	ParentID     string                 `json:"parent_id,omitempty"`
	Ordinal      int                    `json:"ordinal"`
	Title        string                 `json:"title"`
	Profile      string                 `json:"profile"`
	Tools        []string               `json:"tools"`
	DependsOn    []int                  `json:"depends_on"`
	Inputs       map[string]string      `json:"inputs,omitempty"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`
	Status       TaskStatus             `json:"status"`
	Steps        []StepRecord           `json:"steps"`
	Result       string                 `json:"result,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	Tokens       int64                  `json:"tokens"`
	Attempts     int                    `json:"attempts"`
	InputRequest *InputRequest          `json:"input_request,omitempty"`
	InputHistory []InputAnswer          `json:"input_history,omitempty"`
	Pruned       bool                   `json:"pruned,omitempty"`
	Summary      string                 `json:"summary,omitempty"`       // condensed form of Steps[:SummaryUpTo]
	SummaryUpTo  int                    `json:"summary_up_to,omitempty"` // steps covered by Summary
	UpdatedAt    time.Time              `json:"updated_at"`
}

// IsRoot reports whether the task is the tree root.
func (t *Task) IsRoot() bool { return t.ParentID == "" }

// AppendStep records a step unless the task already reached a terminal state.
func (t *Task) AppendStep(step StepRecord) bool {
	if t.Status.IsTerminal() {
		return false
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	t.Steps = append(t.Steps, step)
	return true
}

// StepRecord is one thought/action/observation triple.
type StepRecord struct {
	Thought     string    `json:"thought,omitempty"`
	Action      *Action   `json:"action,omitempty"`
	Observation string    `json:"observation,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type Action struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

// UserInputTool is the synthetic tool a task calls to ask the user for values.
const UserInputTool = "call_user_input"

type InputFieldType string

const (
	InputText   InputFieldType = "text"
	InputChoice InputFieldType = "choice"
	InputFile   InputFieldType = "file"
)

// InputField describes one value requested from the user.
type InputField struct {
	Key      string         `json:"key"`
	Type     InputFieldType `json:"type"`
	Label    string         `json:"label,omitempty"`
	Options  []string       `json:"options,omitempty"`
	Multiple bool           `json:"multiple,omitempty"`
	Required bool           `json:"required,omitempty"`
}

// InputRequest is the single outstanding user-input request of a task in INPUT.
type InputRequest struct {
	ID        string                 `json:"id"`
	TaskID    string                 `json:"task_id"`
	Schema    []InputField           `json:"schema"`
	Satisfied bool                   `json:"satisfied"`
	Response  map[string]interface{} `json:"response,omitempty"`
}

// Missing returns required keys absent from values.
func (r InputRequest) Missing(values map[string]interface{}) []string {
	var missing []string
	for _, f := range r.Schema {
		if !f.Required {
			continue
		}
		v, ok := values[f.Key]
		if !ok || v == nil || v == "" {
			missing = append(missing, f.Key)
		}
	}
	return missing
}

// InputAnswer keeps answered requests so later prompts can cite them.
type InputAnswer struct {
	RequestID string                 `json:"request_id"`
	Values    map[string]interface{} `json:"values"`
	At        time.Time              `json:"at"`
}

// SOP is an entry of the inspiration SOP library.
type SOP struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	Rating      int       `json:"rating"`
	UserID      int64     `json:"user_id"`
	CreatedAt   time.Time `json:"create_time"`
	UpdatedAt   time.Time `json:"update_time"`
}

// InviteCode grants a limited number of linsight runs.
type InviteCode struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	BatchID   string    `json:"batch_id"`
	BatchName string    `json:"batch_name"`
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	BindUser  *int64    `json:"bind_user,omitempty"`
	CreatedID int64     `json:"created_id"`
	CreatedAt time.Time `json:"create_time"`
	UpdatedAt time.Time `json:"update_time"`
}

// Remaining returns the number of unused runs.
func (c InviteCode) Remaining() int {
	if c.Used >= c.Limit {
		return 0
	}
	return c.Limit - c.Used
}
