package config

import (
	"fmt"
	"strings"
	"time"
)

// ExecutorMode selects how the executor extracts tool calls from the model.
type ExecutorMode string

const (
	ModeReact        ExecutorMode = "react"
	ModeFunctionCall ExecutorMode = "function_call"
)

const (
	DefaultMaxSteps     = 200
	DefaultToolBuffer   = 50000
	DefaultParallelism  = 4
	DefaultRRFConstant  = 60
	DefaultToolTimeout  = 60 * time.Second
	DefaultHardTimeout  = 30 * time.Minute
	DefaultHeartbeat    = 5 * time.Second
	DefaultRetention    = 24 * time.Hour
	DefaultSOPTopK      = 3
	DefaultSearchTopK   = 5
	DefaultIdleRecycle  = 5 * time.Minute
	DefaultInputBacklog = 16
)

// LinsightConfig groups the engine sections.
type LinsightConfig struct {
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Queue     QueueConfig     `mapstructure:"queue"`
	EventBus  EventBusConfig  `mapstructure:"eventbus"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Retriever RetrieverConfig `mapstructure:"retriever"`
	Planner   PlannerConfig   `mapstructure:"planner"`
}

// ExecutorConfig bounds a single task run.
type ExecutorConfig struct {
	Mode             ExecutorMode  `mapstructure:"mode"`
	MaxSteps         int           `mapstructure:"max_steps"`
	ToolBuffer       int           `mapstructure:"tool_buffer"`
	RetryNum         int           `mapstructure:"retry_num"`
	RetrySleep       time.Duration `mapstructure:"retry_sleep"`
	RetryTemperature float64       `mapstructure:"retry_temperature"`
}

// SchedulerConfig bounds one session-version.
type SchedulerConfig struct {
	Parallelism  int           `mapstructure:"parallelism"`
	HardTimeout  time.Duration `mapstructure:"hard_timeout"`
	InputBacklog int           `mapstructure:"input_backlog"`
	MaxTokens    int64         `mapstructure:"max_tokens"` // 0 disables the per-version cap
}

// QueueConfig controls admission on one worker node.
type QueueConfig struct {
	MaxActiveSessions int           `mapstructure:"max_active_sessions"`
	MaxWaiting        int           `mapstructure:"max_waiting"` // 0 means unbounded
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReapFactor        int           `mapstructure:"reap_factor"`
}

// EventBusConfig selects and tunes the event bus.
type EventBusConfig struct {
	Driver         string        `mapstructure:"driver"` // redis | memory
	Retention      time.Duration `mapstructure:"retention"`
	SubscribeBlock time.Duration `mapstructure:"subscribe_block"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
}

// ToolsConfig controls invocation limits and MCP connection lifetime.
type ToolsConfig struct {
	DefaultTimeout time.Duration     `mapstructure:"default_timeout"`
	IdleRecycle    time.Duration     `mapstructure:"idle_recycle"`
	MaxOutputChars int               `mapstructure:"max_output_chars"`
	BrowserFetch   bool              `mapstructure:"browser_fetch"` // web_fetch renders through chromedp
	Fetch          FetchPolicyConfig `mapstructure:"fetch"`
}

// RetrieverConfig tunes fused recall.
type RetrieverConfig struct {
	TopK           int     `mapstructure:"top_k"`
	RRFConstant    int     `mapstructure:"rrf_c"`
	KeywordWeight  float64 `mapstructure:"keyword_weight"`
	VectorWeight   float64 `mapstructure:"vector_weight"`
	KeywordEnabled *bool   `mapstructure:"keyword_enabled"`
	VectorEnabled  *bool   `mapstructure:"vector_enabled"`
	IndexDir       string  `mapstructure:"index_dir"` // empty keeps bleve in memory
}

// PlannerConfig tunes SOP drafting and decomposition.
type PlannerConfig struct {
	RetryNum int `mapstructure:"retry_num"`
	SOPTopK  int `mapstructure:"sop_top_k"`
}

// Normalize applies defaults for unset engine values.
func (c LinsightConfig) Normalize() LinsightConfig {
	e := &c.Executor
	if e.Mode == "" {
		e.Mode = ModeFunctionCall
	}
	e.Mode = ExecutorMode(strings.ToLower(string(e.Mode)))
	if e.MaxSteps <= 0 {
		e.MaxSteps = DefaultMaxSteps
	}
	if e.ToolBuffer <= 0 {
		e.ToolBuffer = DefaultToolBuffer
	}
	if e.RetryNum < 0 {
		e.RetryNum = 0
	}
	if e.RetrySleep < 0 {
		e.RetrySleep = 0
	}
	if e.RetryTemperature <= 0 {
		e.RetryTemperature = 1.0
	}

	s := &c.Scheduler
	if s.Parallelism <= 0 {
		s.Parallelism = DefaultParallelism
	}
	if s.HardTimeout <= 0 {
		s.HardTimeout = DefaultHardTimeout
	}
	if s.InputBacklog <= 0 {
		s.InputBacklog = DefaultInputBacklog
	}

	q := &c.Queue
	if q.MaxActiveSessions <= 0 {
		q.MaxActiveSessions = 8
	}
	if q.HeartbeatInterval <= 0 {
		q.HeartbeatInterval = DefaultHeartbeat
	}
	if q.ReapFactor <= 0 {
		q.ReapFactor = 3
	}

	b := &c.EventBus
	b.Driver = strings.ToLower(strings.TrimSpace(b.Driver))
	if b.Driver == "" {
		b.Driver = "redis"
	}
	if b.Retention <= 0 {
		b.Retention = DefaultRetention
	}
	if b.SubscribeBlock <= 0 {
		b.SubscribeBlock = q.HeartbeatInterval
	}
	if b.KeyPrefix == "" {
		b.KeyPrefix = "linsight"
	}

	t := &c.Tools
	if t.DefaultTimeout <= 0 {
		t.DefaultTimeout = DefaultToolTimeout
	}
	if t.IdleRecycle <= 0 {
		t.IdleRecycle = DefaultIdleRecycle
	}
	if t.MaxOutputChars <= 0 {
		t.MaxOutputChars = 20000
	}
	t.Fetch = t.Fetch.Normalize()

	r := &c.Retriever
	if r.TopK <= 0 {
		r.TopK = DefaultSearchTopK
	}
	if r.RRFConstant <= 0 {
		r.RRFConstant = DefaultRRFConstant
	}
	if r.KeywordWeight <= 0 && r.VectorWeight <= 0 {
		r.KeywordWeight, r.VectorWeight = 1, 1
	}
	if r.KeywordEnabled == nil {
		r.KeywordEnabled = boolPtr(true)
	}
	if r.VectorEnabled == nil {
		r.VectorEnabled = boolPtr(true)
	}

	p := &c.Planner
	if p.RetryNum < 0 {
		p.RetryNum = 0
	}
	if p.SOPTopK <= 0 {
		p.SOPTopK = DefaultSOPTopK
	}
	return c
}

// Validate rejects settings the engine cannot run with.
func (c LinsightConfig) Validate() error {
	switch c.Executor.Mode {
	case ModeReact, ModeFunctionCall:
	default:
		return fmt.Errorf("linsight.executor.mode must be %q or %q", ModeReact, ModeFunctionCall)
	}
	switch c.EventBus.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("linsight.eventbus.driver must be redis or memory")
	}
	if c.Queue.MaxWaiting < 0 {
		return fmt.Errorf("linsight.queue.max_waiting cannot be negative")
	}
	if c.Retriever.KeywordWeight < 0 || c.Retriever.VectorWeight < 0 {
		return fmt.Errorf("linsight.retriever weights cannot be negative")
	}
	if c.Scheduler.MaxTokens < 0 {
		return fmt.Errorf("linsight.scheduler.max_tokens cannot be negative")
	}
	return c.Tools.Fetch.Validate()
}

func boolPtr(b bool) *bool { return &b }
