// Package planner turns a user question into an SOP document and an ordered task list.
package planner

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/linsight/config"
	"github.com/mohammad-safakhou/linsight/internal/helpers"
	"github.com/mohammad-safakhou/linsight/internal/llm"
	"github.com/mohammad-safakhou/linsight/internal/retriever"
	"github.com/mohammad-safakhou/linsight/internal/retry"
	"github.com/mohammad-safakhou/linsight/models"
)

// Searcher looks up reference SOPs.
type Searcher interface {
	Search(ctx context.Context, q retriever.Query) (retriever.Result, error)
}

// ToolInfo is what the planner knows about a selectable tool.
type ToolInfo struct {
	Key         string
	Description string
}

// Request carries everything a plan depends on.
type Request struct {
	VersionID   string
	Question    string
	Tools       []ToolInfo
	Files       []models.FileRef
	UserProfile string
	Feedback    string
}

// RequestFromVersion builds a Request for v.
func RequestFromVersion(v models.SessionVersion, tools []ToolInfo, profile string) Request {
	return Request{
		VersionID:   v.ID,
		Question:    v.Question,
		Tools:       tools,
		Files:       filesFrom(v),
		UserProfile: profile,
		Feedback:    v.ExecuteFeedback,
	}
}

// Plan is the planner output for one version.
type Plan struct {
	SOP        string
	Tasks      []TaskSpec
	References []retriever.Scored
	Usage      llm.Usage
}

// CompletedTask is context a re-plan keeps.
type CompletedTask struct {
	Ordinal int
	Title   string
	Result  string
}

// RemovedTask is a pending task the amendment dropped. Its ordinal is never reused.
type RemovedTask struct {
	Ordinal int
	Title   string
}

// ReplanRequest asks for the suffix of a plan under an amended SOP.
type ReplanRequest struct {
	Request
	SOP       string
	Completed []CompletedTask
	Reserved  []int // ordinals of kept tasks that have not finished yet
	Removed   []RemovedTask
}

// Planner drafts SOPs and decomposes them into tasks.
type Planner struct {
	llm         llm.Client
	sops        Searcher
	cfg         config.PlannerConfig
	temperature float64
	retrySleep  time.Duration
	logger      *log.Logger
}

// Option tunes a Planner.
type Option func(*Planner)

// WithTemperature sets the sampling temperature of planning calls.
func WithTemperature(t float64) Option { return func(p *Planner) { p.temperature = t } }

// WithRetrySleep sets the initial backoff between transient LLM failures.
func WithRetrySleep(d time.Duration) Option { return func(p *Planner) { p.retrySleep = d } }

// New builds a planner. sops may be nil when no SOP library is configured.
func New(client llm.Client, sops Searcher, cfg config.PlannerConfig, logger *log.Logger, opts ...Option) *Planner {
	if logger == nil {
		logger = log.New(os.Stdout, "[PLAN] ", log.LstdFlags)
	}
	if cfg.SOPTopK <= 0 {
		cfg.SOPTopK = config.DefaultSOPTopK
	}
	p := &Planner{llm: client, sops: sops, cfg: cfg, temperature: 0.3, retrySleep: time.Second, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan retrieves reference SOPs, drafts the SOP and decomposes it.
func (p *Planner) Plan(ctx context.Context, req Request) (Plan, error) {
	refs := p.References(ctx, req.Question)
	sop, usage, err := p.DraftSOP(ctx, req, refs)
	if err != nil {
		return Plan{}, err
	}
	tasks, dUsage, err := p.Decompose(ctx, req, sop)
	usage = addUsage(usage, dUsage)
	if err != nil {
		return Plan{SOP: sop, References: refs, Usage: usage}, err
	}
	return Plan{SOP: sop, Tasks: tasks, References: refs, Usage: usage}, nil
}

// References returns the top SOP snippets for question. Retrieval failure degrades to none.
func (p *Planner) References(ctx context.Context, question string) []retriever.Scored {
	if p.sops == nil || strings.TrimSpace(question) == "" {
		return nil
	}
	res, err := p.sops.Search(ctx, retriever.Query{
		Text:        question,
		TopK:        p.cfg.SOPTopK,
		Collections: []string{retriever.CollectionSOP},
	})
	if err != nil {
		p.logger.Printf("sop lookup failed, planning without references: %v", err)
		return nil
	}
	if res.Partial {
		p.logger.Printf("sop lookup partial, %s index unavailable", res.Missing)
	}
	return res.Documents
}

// DraftSOP asks the model for a markdown SOP.
func (p *Planner) DraftSOP(ctx context.Context, req Request, refs []retriever.Scored) (string, llm.Usage, error) {
	ctx, span := otel.Tracer("linsight/planner").Start(ctx, "planner.draft_sop")
	defer span.End()
	span.SetAttributes(attribute.String("version_id", req.VersionID), attribute.Int("references", len(refs)))

	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: sopSystemPrompt()},
		{Role: llm.RoleUser, Content: sopUserPrompt(req, refs)},
	}
	resp, err := p.invoke(ctx, msgs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", resp.Usage, fmt.Errorf("draft sop: %w", err)
	}
	sop := helpers.Unfence(resp.Content)
	if sop == "" {
		err := fmt.Errorf("draft sop: %w: model returned an empty SOP", ErrPlanInvalid)
		span.SetStatus(codes.Error, err.Error())
		return "", resp.Usage, err
	}
	return sop, resp.Usage, nil
}

// Decompose turns an SOP into validated tasks, feeding validation errors back to the model.
func (p *Planner) Decompose(ctx context.Context, req Request, sop string) ([]TaskSpec, llm.Usage, error) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: decomposeSystemPrompt()},
		{Role: llm.RoleUser, Content: decomposeUserPrompt(req, sop)},
	}
	return p.converge(ctx, "planner.decompose", req, msgs, nil)
}

// Replan plans the remaining work after an SOP amendment. Completed and kept ordinals stay
// reserved as dependency targets; removed ordinals stay reserved but may not be depended on.
func (p *Planner) Replan(ctx context.Context, req ReplanRequest) ([]TaskSpec, llm.Usage, error) {
	fixed := make(reservedOrdinals, len(req.Completed)+len(req.Reserved)+len(req.Removed))
	next := 1
	reserve := func(ordinal int, dependable bool) {
		fixed[ordinal] = dependable
		if ordinal >= next {
			next = ordinal + 1
		}
	}
	for _, r := range req.Removed {
		reserve(r.Ordinal, false)
	}
	for _, c := range req.Completed {
		reserve(c.Ordinal, true)
	}
	for _, o := range req.Reserved {
		reserve(o, true)
	}
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: replanSystemPrompt(next)},
		{Role: llm.RoleUser, Content: replanUserPrompt(req)},
	}
	return p.converge(ctx, "planner.replan", req.Request, msgs, fixed)
}

func (p *Planner) converge(ctx context.Context, name string, req Request, msgs []llm.Message, fixed reservedOrdinals) ([]TaskSpec, llm.Usage, error) {
	ctx, span := otel.Tracer("linsight/planner").Start(ctx, name)
	defer span.End()
	span.SetAttributes(attribute.String("version_id", req.VersionID))

	allowed := make(map[string]bool, len(req.Tools))
	for _, t := range req.Tools {
		allowed[t.Key] = true
	}

	var (
		usage   llm.Usage
		lastErr error
	)
	attempts := p.cfg.RetryNum + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := p.invoke(ctx, msgs)
		usage = addUsage(usage, resp.Usage)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, usage, err
		}
		tasks, perr := parseTasks(resp.Content, allowed, fixed)
		if perr == nil {
			span.SetAttributes(attribute.Int("tasks", len(tasks)), attribute.Int("attempts", attempt))
			p.logger.Printf("version=%s planned %d tasks after %d attempt(s)", req.VersionID, len(tasks), attempt)
			return tasks, usage, nil
		}
		lastErr = perr
		p.logger.Printf("version=%s decomposition attempt %d rejected: %v", req.VersionID, attempt, perr)
		msgs = append(msgs,
			llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
			llm.Message{Role: llm.RoleUser, Content: correctionPrompt(perr)},
		)
	}
	err := fmt.Errorf("%w after %d attempts: %v", ErrPlanInvalid, attempts, lastErr)
	span.SetStatus(codes.Error, err.Error())
	return nil, usage, err
}

// invoke retries transient provider failures.
func (p *Planner) invoke(ctx context.Context, msgs []llm.Message) (llm.Response, error) {
	var resp llm.Response
	err := retry.Do(ctx, retry.Policy{
		Num:     p.cfg.RetryNum,
		Initial: p.retrySleep,
		On:      llm.IsTransient,
		Notify: func(attempt int, err error, wait time.Duration) {
			p.logger.Printf("llm call failed (attempt %d), retrying in %s: %v", attempt, wait, err)
		},
	}, func(ctx context.Context, _ int) error {
		r, err := p.llm.Invoke(ctx, llm.Request{Messages: msgs, Temperature: llm.Temperature(p.temperature)})
		resp = r
		return err
	})
	return resp, err
}

func addUsage(a, b llm.Usage) llm.Usage {
	return llm.Usage{PromptTokens: a.PromptTokens + b.PromptTokens, CompletionTokens: a.CompletionTokens + b.CompletionTokens}
}
