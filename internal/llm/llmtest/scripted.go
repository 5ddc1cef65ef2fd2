// Package llmtest provides a deterministic llm.Client for tests.
package llmtest

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/linsight/internal/llm"
)

// Responder produces the reply for one call. Returning ok=false passes to the next responder.
type Responder func(req llm.Request) (resp llm.Response, ok bool, err error)

// Scripted replays canned replies. Each call tries the responders in order; the first that
// matches answers. A responder registered with Once is consumed after it answers.
type Scripted struct {
	mu         sync.Mutex
	responders []scriptedResponder
	calls      []llm.Request
	// Fallback answers when nothing matches. Nil fails the call.
	Fallback Responder
}

type scriptedResponder struct {
	fn   Responder
	once bool
	used bool
}

// New returns an empty script.
func New() *Scripted { return &Scripted{} }

// On registers a persistent responder.
func (s *Scripted) On(fn Responder) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders = append(s.responders, scriptedResponder{fn: fn})
	return s
}

// Once registers a responder that answers at most one call.
func (s *Scripted) Once(fn Responder) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders = append(s.responders, scriptedResponder{fn: fn, once: true})
	return s
}

// WhenSystemContains answers calls whose system prompt contains marker.
func WhenSystemContains(marker string, resp llm.Response) Responder {
	return func(req llm.Request) (llm.Response, bool, error) {
		if strings.Contains(SystemPrompt(req), marker) {
			return resp, true, nil
		}
		return llm.Response{}, false, nil
	}
}

// WhenLastContains answers calls whose last message contains marker.
func WhenLastContains(marker string, resp llm.Response) Responder {
	return func(req llm.Request) (llm.Response, bool, error) {
		if len(req.Messages) > 0 && strings.Contains(req.Messages[len(req.Messages)-1].Content, marker) {
			return resp, true, nil
		}
		return llm.Response{}, false, nil
	}
}

// Text is a plain content reply.
func Text(content string) llm.Response { return llm.Response{Content: content} }

// Call is a reply carrying one native tool call.
func Call(id, name, args string) llm.Response {
	return llm.Response{ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: args}}}
}

// SystemPrompt returns the concatenated system messages of req.
func SystemPrompt(req llm.Request) string {
	var b strings.Builder
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Transcript returns every message content of req joined by newlines.
func Transcript(req llm.Request) string {
	parts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

// Calls returns a copy of every request seen so far.
func (s *Scripted) Calls() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Scripted) answer(req llm.Request) (llm.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	for i := range s.responders {
		r := &s.responders[i]
		if r.once && r.used {
			continue
		}
		resp, ok, err := r.fn(req)
		if !ok {
			continue
		}
		if r.once {
			r.used = true
		}
		s.mu.Unlock()
		return withUsage(req, resp), err
	}
	fallback := s.Fallback
	s.mu.Unlock()
	if fallback != nil {
		resp, ok, err := fallback(req)
		if ok {
			return withUsage(req, resp), err
		}
	}
	return llm.Response{}, fmt.Errorf("llmtest: no scripted reply for %q", lastContent(req))
}

func withUsage(req llm.Request, resp llm.Response) llm.Response {
	if resp.Usage.Total() == 0 {
		resp.Usage = llm.Usage{
			PromptTokens:     int64(llm.EstimateMessages(req.Messages)),
			CompletionTokens: int64(llm.EstimateTokens(resp.Content)) + 1,
		}
	}
	return resp
}

func lastContent(req llm.Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	c := req.Messages[len(req.Messages)-1].Content
	if len(c) > 80 {
		c = c[:80]
	}
	return c
}

func (s *Scripted) Invoke(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	return s.answer(req)
}

// Stream replays the reply content word by word through onDelta.
func (s *Scripted) Stream(ctx context.Context, req llm.Request, onDelta llm.DeltaFunc) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	resp, err := s.answer(req)
	if err != nil {
		return llm.Response{}, err
	}
	if onDelta != nil {
		for _, chunk := range splitKeep(resp.Content) {
			if err := ctx.Err(); err != nil {
				return llm.Response{}, err
			}
			if err := onDelta(chunk); err != nil {
				return llm.Response{}, err
			}
		}
	}
	if req.StopAtToolCall && len(resp.ToolCalls) > 1 {
		resp.ToolCalls = resp.ToolCalls[:1]
	}
	return resp, nil
}

func splitKeep(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == ' ' || r == '\n' {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// Embed returns a deterministic bag-of-words vector so identical texts embed identically and
// texts sharing words land close together.
func (s *Scripted) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = HashEmbedding(t, 64)
	}
	return out, nil
}

// HashEmbedding buckets lower-cased words into dim dimensions.
func HashEmbedding(text string, dim int) []float32 {
	vec := make([]float32, dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if w == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[int(h.Sum32())%dim]++
	}
	return vec
}
