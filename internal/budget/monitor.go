// Package budget tracks LLM token usage for one session-version.
package budget

import (
	"fmt"
	"sync"
	"time"
)

// Config defines the guardrails of one version. Zero values disable a limit.
type Config struct {
	MaxTokens int64
	MaxTime   time.Duration
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	if c.MaxTime < 0 {
		return fmt.Errorf("max_time cannot be negative")
	}
	return nil
}

// Monitor tracks actual usage against configured limits during execution.
type Monitor struct {
	config     Config
	tokensUsed int64
	perTask    map[string]int64
	startTime  time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewMonitor starts tracking usage.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		config:    cfg,
		perTask:   make(map[string]int64),
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Add records tokens spent by a task, returning an error if the limit is breached.
// Usage is recorded even when the call breaches the limit.
func (m *Monitor) Add(taskID string, tokens int64) error {
	if m == nil || tokens <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokensUsed += tokens
	m.perTask[taskID] += tokens
	if m.config.MaxTokens > 0 && m.tokensUsed > m.config.MaxTokens {
		return ErrExceeded{
			Kind:  "tokens",
			Usage: fmt.Sprintf("%d tokens", m.tokensUsed),
			Limit: fmt.Sprintf("%d tokens", m.config.MaxTokens),
		}
	}
	return nil
}

// CheckTime verifies elapsed time against the configured limit.
func (m *Monitor) CheckTime() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxTime <= 0 {
		return nil
	}
	elapsed := m.now().Sub(m.startTime)
	if elapsed > m.config.MaxTime {
		return ErrExceeded{
			Kind:  "time",
			Usage: elapsed.Round(time.Second).String(),
			Limit: m.config.MaxTime.String(),
		}
	}
	return nil
}

// Tokens returns the accumulated total.
func (m *Monitor) Tokens() int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokensUsed
}

// TaskTokens returns what one task spent.
func (m *Monitor) TaskTokens(taskID string) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perTask[taskID]
}

// Config returns the underlying budget config.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}
