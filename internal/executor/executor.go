// Package executor drives one task through a ReAct or function-call loop.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/linsight/config"
	"github.com/mohammad-safakhou/linsight/internal/budget"
	"github.com/mohammad-safakhou/linsight/internal/eventbus"
	"github.com/mohammad-safakhou/linsight/internal/llm"
	"github.com/mohammad-safakhou/linsight/internal/retry"
	"github.com/mohammad-safakhou/linsight/internal/tools"
	"github.com/mohammad-safakhou/linsight/models"
)

// Status is how a run ended.
type Status string

const (
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusNeedsInput Status = "NEEDS_INPUT"
	StatusTerminated Status = "TERMINATED"
)

// ErrToolNotFound is reported when the model calls a tool the task was not given.
var ErrToolNotFound = errors.New("tool not found")

// Publisher is the event bus surface the executor writes to.
type Publisher interface {
	Append(ctx context.Context, versionID string, kind eventbus.Kind, payload interface{}) (int64, error)
}

// Invoker calls a resolved tool with validation and timeout.
type Invoker interface {
	Invoke(ctx context.Context, t tools.Tool, args map[string]interface{}) (string, error)
}

// Dependency is the result of a task this one depends on.
type Dependency struct {
	Ordinal int
	Title   string
	Result  string
}

// Run is one execution request. Task is owned by the executor until Run returns.
type Run struct {
	VersionID    string
	Question     string
	SOP          string
	Task         *models.Task
	Tools        []tools.Tool
	Dependencies []Dependency
	Inputs       map[string]string // resolved values of Task.Inputs
	Budget       *budget.Monitor
	// Cancel is closed when the version is terminated. An in-flight tool call still completes.
	Cancel <-chan struct{}
	Mode   config.ExecutorMode // overrides the configured mode when set
}

func (r Run) cancelled() bool {
	if r.Cancel == nil {
		return false
	}
	select {
	case <-r.Cancel:
		return true
	default:
		return false
	}
}

// Outcome reports how a run ended. Request is set for StatusNeedsInput.
type Outcome struct {
	Status  Status
	Result  string
	Reason  string
	Request *models.InputRequest
	Steps   int
	Usage   llm.Usage
}

// Executor runs tasks.
type Executor struct {
	llm         llm.Client
	invoker     Invoker
	bus         Publisher
	cfg         config.ExecutorConfig
	checkpoints Checkpointer
	temperature *float64
	logger      *log.Logger
}

// Option configures executor behaviour.
type Option func(*Executor)

// WithCheckpointer persists task progress after each step.
func WithCheckpointer(c Checkpointer) Option {
	return func(ex *Executor) { ex.checkpoints = c }
}

// WithLogger replaces the default logger.
func WithLogger(l *log.Logger) Option {
	return func(ex *Executor) { ex.logger = l }
}

// WithTemperature sets the first-attempt temperature; retries use retry_temperature.
func WithTemperature(t float64) Option {
	return func(ex *Executor) { ex.temperature = llm.Temperature(t) }
}

// New creates a new Executor instance.
func New(client llm.Client, invoker Invoker, bus Publisher, cfg config.ExecutorConfig, opts ...Option) *Executor {
	ex := &Executor{
		llm:         client,
		invoker:     invoker,
		bus:         bus,
		cfg:         cfg,
		checkpoints: NoopCheckpointer{},
		logger:      log.New(os.Stdout, "[EXEC] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(ex)
	}
	if ex.cfg.MaxSteps <= 0 {
		ex.cfg.MaxSteps = config.DefaultMaxSteps
	}
	if ex.cfg.ToolBuffer <= 0 {
		ex.cfg.ToolBuffer = config.DefaultToolBuffer
	}
	if ex.cfg.Mode == "" {
		ex.cfg.Mode = config.ModeFunctionCall
	}
	return ex
}

// errStopStream ends a ReAct stream once the model starts writing an observation.
var errStopStream = errors.New("stop stream")

// Run drives run.Task until it succeeds, fails, asks for input or is terminated.
// A non-nil error is fatal to the version (event bus, checkpoint or budget failure).
func (e *Executor) Run(ctx context.Context, run Run) (out Outcome, err error) {
	task := run.Task
	mode := e.cfg.Mode
	if run.Mode != "" {
		mode = run.Mode
	}
	ctx, span := otel.Tracer("linsight/executor").Start(ctx, "executor.run")
	span.SetAttributes(
		attribute.String("version_id", run.VersionID),
		attribute.String("task_id", task.ID),
		attribute.String("mode", string(mode)),
	)
	defer func() {
		out.Steps = len(task.Steps)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		recordOutcome(ctx, out.Status)
		span.End()
	}()

	task.Status = models.TaskProcessing
	task.Attempts++
	if err := e.checkpoint(ctx, task); err != nil {
		return Outcome{Status: StatusFailed, Reason: err.Error()}, err
	}

	byName := make(map[string]tools.Tool, len(run.Tools))
	for _, t := range run.Tools {
		byName[t.Name()] = t
	}
	validationFeedback := 0
	var usage llm.Usage

	for {
		if run.cancelled() {
			return e.terminated(usage), nil
		}
		if len(task.Steps) >= e.cfg.MaxSteps {
			return e.fail(ctx, run, usage, fmt.Sprintf("step limit of %d reached without a final answer", e.cfg.MaxSteps))
		}
		if err := run.Budget.CheckTime(); err != nil {
			out, _ := e.fail(ctx, run, usage, err.Error())
			return out, err
		}
		if u, err := e.maybeSummarise(ctx, run); err != nil {
			e.logger.Printf("version=%s task=%s summarise failed: %v", run.VersionID, task.ID, err)
		} else {
			usage = addUsage(usage, u)
			if err := e.charge(run, u); err != nil {
				out, _ := e.fail(ctx, run, usage, err.Error())
				return out, err
			}
		}

		resp, err := e.step(ctx, run, mode)
		usage = addUsage(usage, resp.Usage)
		if chargeErr := e.charge(run, resp.Usage); chargeErr != nil {
			out, _ := e.fail(ctx, run, usage, chargeErr.Error())
			return out, chargeErr
		}
		if err != nil {
			if run.cancelled() || (errors.Is(err, context.Canceled) && ctx.Err() == nil) {
				return e.terminated(usage), nil
			}
			if ctx.Err() != nil {
				return Outcome{Status: StatusFailed, Reason: ctx.Err().Error(), Usage: usage}, ctx.Err()
			}
			if errors.Is(err, eventbus.ErrStorageUnavailable) || errors.Is(err, eventbus.ErrStreamClosed) {
				return Outcome{Status: StatusFailed, Reason: err.Error(), Usage: usage}, err
			}
			return e.fail(ctx, run, usage, fmt.Sprintf("llm call failed: %v", err))
		}
		recordStep(ctx, string(mode), "llm")

		var d decision
		if mode == config.ModeReact {
			d = parseReact(resp.Content)
		} else {
			d = parseFunctionCall(resp)
		}
		if d.Thought != "" {
			if err := e.emit(ctx, run, eventbus.KindStepThought, eventbus.StepThought{TaskID: task.ID, Text: d.Thought}); err != nil {
				return Outcome{Status: StatusFailed, Reason: err.Error(), Usage: usage}, err
			}
		}

		if d.IsFinal {
			if d.Final == "" {
				return e.fail(ctx, run, usage, "model returned an empty answer")
			}
			task.AppendStep(models.StepRecord{Thought: d.Thought})
			return e.succeed(ctx, run, usage, d.Final)
		}

		action := d.Action
		if err := e.emit(ctx, run, eventbus.KindStepAction, eventbus.StepAction{TaskID: task.ID, Tool: action.Tool, Args: action.Args}); err != nil {
			return Outcome{Status: StatusFailed, Reason: err.Error(), Usage: usage}, err
		}

		if d.ParseErr != nil {
			if validationFeedback > 0 {
				return e.fail(ctx, run, usage, "repeated invalid tool arguments: "+d.ParseErr.Error())
			}
			validationFeedback++
			if err := e.observe(ctx, run, d, "Error: "+d.ParseErr.Error()); err != nil {
				return Outcome{Status: StatusFailed, Reason: err.Error(), Usage: usage}, err
			}
			continue
		}

		if action.Tool == models.UserInputTool {
			req, perr := inputRequest(task.ID, action.Args)
			if perr != nil {
				if validationFeedback > 0 {
					return e.fail(ctx, run, usage, "invalid user input request: "+perr.Error())
				}
				validationFeedback++
				if err := e.observe(ctx, run, d, "Error: invalid user input request: "+perr.Error()); err != nil {
					return Outcome{Status: StatusFailed, Reason: err.Error(), Usage: usage}, err
				}
				continue
			}
			return e.awaitInput(ctx, run, d, req, usage)
		}

		tool, ok := byName[action.Tool]
		if !ok {
			return e.fail(ctx, run, usage, fmt.Sprintf("%v: %s", ErrToolNotFound, action.Tool))
		}
		observation, invokeErr := e.invoke(ctx, run, tool, action.Args)
		recordStep(ctx, string(mode), "tool")
		switch {
		case invokeErr == nil:
		case tools.IsKind(invokeErr, tools.KindNotFound):
			return e.fail(ctx, run, usage, invokeErr.Error())
		case tools.IsKind(invokeErr, tools.KindSchemaValidation):
			if validationFeedback > 0 {
				return e.fail(ctx, run, usage, "repeated invalid tool arguments: "+invokeErr.Error())
			}
			validationFeedback++
			observation = "Error: " + invokeErr.Error()
		default:
			if ctx.Err() != nil {
				return Outcome{Status: StatusFailed, Reason: ctx.Err().Error(), Usage: usage}, ctx.Err()
			}
			observation = "Error: " + invokeErr.Error()
		}
		if err := e.observe(ctx, run, d, observation); err != nil {
			return Outcome{Status: StatusFailed, Reason: err.Error(), Usage: usage}, err
		}
	}
}

// step streams one model reply, retrying failures with elevated temperature.
func (e *Executor) step(ctx context.Context, run Run, mode config.ExecutorMode) (llm.Response, error) {
	var (
		resp  llm.Response
		total llm.Usage
	)
	streamCtx, stop := context.WithCancel(ctx)
	defer stop()
	if run.Cancel != nil {
		go func() {
			select {
			case <-run.Cancel:
				stop()
			case <-streamCtx.Done():
			}
		}()
	}

	err := retry.Do(streamCtx, retry.Policy{
		Num:     e.cfg.RetryNum,
		Initial: e.cfg.RetrySleep,
		On: func(err error) bool {
			return !errors.Is(err, eventbus.ErrStorageUnavailable) && !errors.Is(err, eventbus.ErrStreamClosed) && streamCtx.Err() == nil
		},
		Notify: func(attempt int, err error, wait time.Duration) {
			e.logger.Printf("version=%s task=%s step attempt %d failed, retrying in %s: %v", run.VersionID, run.Task.ID, attempt, wait, err)
		},
	}, func(ctx context.Context, attempt int) error {
		req := llm.Request{Messages: transcript(run, mode, run.Tools), Temperature: e.temperature}
		if attempt > 0 {
			req.Temperature = llm.Temperature(e.cfg.RetryTemperature)
		}
		if mode != config.ModeReact {
			req.Tools = toolSpecs(run.Tools)
			req.StopAtToolCall = true
		}
		var buf strings.Builder
		onDelta := func(delta string) error {
			if delta == "" {
				return nil
			}
			if mode == config.ModeReact {
				buf.WriteString(delta)
				if strings.Contains(buf.String(), "\n"+markerObservation) {
					return errStopStream
				}
			}
			return e.emit(ctx, run, eventbus.KindLLMToken, eventbus.LLMToken{TaskID: run.Task.ID, Delta: delta})
		}
		r, err := e.llm.Stream(ctx, req, onDelta)
		if errors.Is(err, errStopStream) {
			content := buf.String()
			r = llm.Response{Content: content, Usage: llm.Usage{
				PromptTokens:     int64(llm.EstimateMessages(req.Messages)),
				CompletionTokens: int64(llm.EstimateTokens(content)),
			}}
			err = nil
		}
		total = addUsage(total, r.Usage)
		resp = r
		return err
	})
	resp.Usage = total
	return resp, err
}

func (e *Executor) invoke(ctx context.Context, run Run, tool tools.Tool, args map[string]interface{}) (string, error) {
	var out string
	err := retry.Do(ctx, retry.Policy{
		Num:     e.cfg.RetryNum,
		Initial: e.cfg.RetrySleep,
		On: func(err error) bool {
			var te *tools.Error
			return errors.As(err, &te) && te.Retryable() && !run.cancelled()
		},
		Notify: func(attempt int, err error, wait time.Duration) {
			e.logger.Printf("version=%s task=%s tool %s attempt %d failed, retrying in %s: %v", run.VersionID, run.Task.ID, tool.Name(), attempt, wait, err)
		},
	}, func(ctx context.Context, _ int) error {
		r, err := e.invoker.Invoke(ctx, tool, args)
		out = r
		return err
	})
	return out, err
}

// maybeSummarise condenses the step log once unsummarised observations exceed tool_buffer.
func (e *Executor) maybeSummarise(ctx context.Context, run Run) (llm.Usage, error) {
	task := run.Task
	pending := 0
	for i := task.SummaryUpTo; i < len(task.Steps); i++ {
		pending += llm.EstimateTokens(task.Steps[i].Observation)
	}
	if pending <= e.cfg.ToolBuffer {
		return llm.Usage{}, nil
	}
	upTo := len(task.Steps)
	resp, err := e.llm.Invoke(ctx, llm.Request{Messages: summaryPrompt(run, upTo)})
	if err != nil {
		return resp.Usage, err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return resp.Usage, fmt.Errorf("empty summary")
	}
	task.Summary = summary
	task.SummaryUpTo = upTo
	e.logger.Printf("version=%s task=%s summarised %d steps (%d observation tokens)", run.VersionID, task.ID, upTo, pending)
	return resp.Usage, e.checkpoint(ctx, task)
}

func (e *Executor) observe(ctx context.Context, run Run, d decision, observation string) error {
	run.Task.AppendStep(models.StepRecord{Thought: d.Thought, Action: d.Action, Observation: observation})
	if err := e.emit(ctx, run, eventbus.KindStepObservation, eventbus.StepObservation{TaskID: run.Task.ID, Text: observation}); err != nil {
		return err
	}
	return e.checkpoint(ctx, run.Task)
}

func (e *Executor) awaitInput(ctx context.Context, run Run, d decision, req *models.InputRequest, usage llm.Usage) (Outcome, error) {
	task := run.Task
	task.AppendStep(models.StepRecord{Thought: d.Thought, Action: d.Action})
	task.Status = models.TaskInput
	task.InputRequest = req
	if err := e.checkpoint(ctx, task); err != nil {
		return Outcome{Status: StatusFailed, Reason: err.Error(), Usage: usage}, err
	}
	if err := e.emit(ctx, run, eventbus.KindUserInputRequested, eventbus.UserInputRequested{TaskID: task.ID, RequestID: req.ID, Schema: req.Schema}); err != nil {
		return Outcome{Status: StatusFailed, Reason: err.Error(), Usage: usage}, err
	}
	e.logger.Printf("version=%s task=%s waiting for user input %s", run.VersionID, task.ID, req.ID)
	return Outcome{Status: StatusNeedsInput, Request: req, Usage: usage}, nil
}

func (e *Executor) succeed(ctx context.Context, run Run, usage llm.Usage, result string) (Outcome, error) {
	task := run.Task
	task.Result = result
	task.Status = models.TaskSuccess
	if err := e.checkpoint(ctx, task); err != nil {
		return Outcome{Status: StatusFailed, Reason: err.Error(), Usage: usage}, err
	}
	if err := e.emit(ctx, run, eventbus.KindTaskCompleted, eventbus.TaskCompleted{TaskID: task.ID, Result: result}); err != nil {
		return Outcome{Status: StatusFailed, Reason: err.Error(), Usage: usage}, err
	}
	return Outcome{Status: StatusSuccess, Result: result, Usage: usage}, nil
}

func (e *Executor) fail(ctx context.Context, run Run, usage llm.Usage, reason string) (Outcome, error) {
	task := run.Task
	task.Reason = reason
	task.Status = models.TaskFailed
	e.logger.Printf("version=%s task=%s failed: %s", run.VersionID, task.ID, reason)
	if err := e.checkpoint(ctx, task); err != nil {
		return Outcome{Status: StatusFailed, Reason: reason, Usage: usage}, err
	}
	if err := e.emit(ctx, run, eventbus.KindTaskFailed, eventbus.TaskFailed{TaskID: task.ID, Reason: reason}); err != nil {
		return Outcome{Status: StatusFailed, Reason: reason, Usage: usage}, err
	}
	return Outcome{Status: StatusFailed, Reason: reason, Usage: usage}, nil
}

func (e *Executor) terminated(usage llm.Usage) Outcome {
	return Outcome{Status: StatusTerminated, Reason: "terminated", Usage: usage}
}

func (e *Executor) charge(run Run, u llm.Usage) error {
	if u.Total() == 0 {
		return nil
	}
	run.Task.Tokens += u.Total()
	return run.Budget.Add(run.Task.ID, u.Total())
}

func (e *Executor) emit(ctx context.Context, run Run, kind eventbus.Kind, payload interface{}) error {
	if _, err := e.bus.Append(ctx, run.VersionID, kind, payload); err != nil {
		return fmt.Errorf("append %s: %w", kind, err)
	}
	return nil
}

func (e *Executor) checkpoint(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()
	if err := e.checkpoints.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("checkpoint task %s: %w", task.ID, err)
	}
	return nil
}

func addUsage(a, b llm.Usage) llm.Usage {
	return llm.Usage{PromptTokens: a.PromptTokens + b.PromptTokens, CompletionTokens: a.CompletionTokens + b.CompletionTokens}
}
