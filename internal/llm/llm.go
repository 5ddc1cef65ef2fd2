// Package llm abstracts the chat and embedding provider used by the planner, executor and retriever.
package llm

import (
	"context"
	"errors"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a chat transcript.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a native function call emitted by the model. Arguments is raw JSON text.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec binds a callable to a request.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Request is a single chat completion call.
type Request struct {
	Messages    []Message
	Tools       []ToolSpec
	Temperature *float64
	MaxTokens   int
	// StopAtToolCall ends a stream as soon as the first tool call is complete.
	StopAtToolCall bool
}

// Usage counts tokens spent by one call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

func (u Usage) Total() int64 { return u.PromptTokens + u.CompletionTokens }

// Response is the assembled result of Invoke or Stream.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// DeltaFunc receives streamed content. Returning an error aborts the stream with that error.
type DeltaFunc func(delta string) error

// Client is the provider surface the engine depends on.
type Client interface {
	Invoke(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request, onDelta DeltaFunc) (Response, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ErrTransient marks provider failures worth retrying (rate limits, 5xx, timeouts).
var ErrTransient = errors.New("transient llm failure")

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// Temperature returns a pointer for Request.Temperature.
func Temperature(t float64) *float64 { return &t }

// EstimateTokens approximates the token count of s at four characters per token.
func EstimateTokens(s string) int {
	n := len(strings.TrimSpace(s))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// EstimateMessages sums EstimateTokens over a transcript plus a small per-message overhead.
func EstimateMessages(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += 4 + EstimateTokens(m.Content)
		for _, tc := range m.ToolCalls {
			total += EstimateTokens(tc.Name) + EstimateTokens(tc.Arguments)
		}
	}
	return total
}
