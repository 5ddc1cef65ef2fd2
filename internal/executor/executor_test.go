package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/linsight/config"
	"github.com/mohammad-safakhou/linsight/internal/budget"
	"github.com/mohammad-safakhou/linsight/internal/eventbus"
	"github.com/mohammad-safakhou/linsight/internal/llm"
	"github.com/mohammad-safakhou/linsight/internal/llm/llmtest"
	"github.com/mohammad-safakhou/linsight/internal/tools"
	"github.com/mohammad-safakhou/linsight/internal/tools/builtin"
	"github.com/mohammad-safakhou/linsight/models"
)

type harness struct {
	exec  *Executor
	bus   *eventbus.MemoryBus
	tools []tools.Tool
	saved int
}

func newHarness(t *testing.T, client llm.Client, cfg config.ExecutorConfig, extra map[string]tools.Tool) *harness {
	t.Helper()
	reg, err := eventbus.NewEventRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	h := &harness{bus: eventbus.NewMemoryBus(reg, time.Hour)}

	toolReg := tools.NewRegistry(tools.Options{Config: config.ToolsConfig{DefaultTimeout: 2 * time.Second, MaxOutputChars: 100000}})
	toolReg.RegisterBuiltin("calculator", builtin.Calculator())
	descs := []tools.Descriptor{{ID: 1, Key: "calculator", Provider: tools.ProviderBuiltin}}
	id := int64(2)
	for key, tool := range extra {
		toolReg.RegisterBuiltin(key, tool)
		descs = append(descs, tools.Descriptor{ID: id, Key: key, Provider: tools.ProviderBuiltin})
		id++
	}
	resolved, err := toolReg.Resolve(context.Background(), "v1", descs)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.tools = resolved
	if cfg.Mode == "" {
		cfg.Mode = config.ModeFunctionCall
	}
	if cfg.RetryTemperature == 0 {
		cfg.RetryTemperature = 1.0
	}
	cfg.RetrySleep = time.Millisecond
	h.exec = New(client, toolReg, h.bus, cfg, WithCheckpointer(CheckpointFunc(func(ctx context.Context, task *models.Task) error {
		h.saved++
		return nil
	})))
	return h
}

func (h *harness) run(t *testing.T, task *models.Task, mutate ...func(*Run)) Outcome {
	t.Helper()
	run := Run{VersionID: "v1", Question: "What is 37 * 41?", SOP: "1. Compute the product.", Task: task, Tools: h.tools}
	for _, m := range mutate {
		m(&run)
	}
	out, err := h.exec.Run(context.Background(), run)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return out
}

func (h *harness) events(t *testing.T) []eventbus.Event {
	t.Helper()
	evs, err := h.bus.Read(context.Background(), "v1", 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return evs
}

func kinds(evs []eventbus.Event) []eventbus.Kind {
	out := make([]eventbus.Kind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

func countKind(evs []eventbus.Event, k eventbus.Kind) int {
	n := 0
	for _, e := range evs {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func lastIsTool(req llm.Request) bool {
	return len(req.Messages) > 0 && req.Messages[len(req.Messages)-1].Role == llm.RoleTool
}

func newTask() *models.Task {
	return &models.Task{ID: "t1", VersionID: "v1", Title: "Multiply", Profile: "compute the product", Status: models.TaskWaiting}
}

func TestFunctionCallToolRoundTrip(t *testing.T) {
	script := llmtest.New().
		On(llmtest.WhenLastContains("1517", llmtest.Text("37 * 41 = 1517"))).
		On(func(req llm.Request) (llm.Response, bool, error) {
			return llmtest.Call("c1", "calculator", `{"expression":"37*41"}`), true, nil
		})
	h := newHarness(t, script, config.ExecutorConfig{MaxSteps: 10, ToolBuffer: 50000}, nil)
	task := newTask()
	out := h.run(t, task)

	if out.Status != StatusSuccess || !strings.Contains(out.Result, "1517") {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if task.Status != models.TaskSuccess || task.Result != out.Result {
		t.Fatalf("task not finalised: %+v", task)
	}
	if len(task.Steps) != 2 || task.Steps[0].Action.Tool != "calculator" || task.Steps[0].Observation != "1517" {
		t.Fatalf("unexpected steps %+v", task.Steps)
	}
	if task.Tokens == 0 || out.Usage.Total() != task.Tokens {
		t.Fatalf("usage not charged: task=%d outcome=%d", task.Tokens, out.Usage.Total())
	}

	evs := h.events(t)
	var sawAction, sawObservation bool
	for _, ev := range evs {
		switch ev.Kind {
		case eventbus.KindStepAction:
			var a eventbus.StepAction
			_ = ev.Decode(&a)
			sawAction = a.Tool == "calculator" && a.Args["expression"] == "37*41"
		case eventbus.KindStepObservation:
			var o eventbus.StepObservation
			_ = ev.Decode(&o)
			sawObservation = sawAction && strings.Contains(o.Text, "1517")
		}
	}
	if !sawAction || !sawObservation {
		t.Fatalf("expected action then observation, got %v", kinds(evs))
	}
	if countKind(evs, eventbus.KindLLMToken) == 0 {
		t.Fatalf("expected streamed tokens")
	}
	if evs[len(evs)-1].Kind != eventbus.KindTaskCompleted {
		t.Fatalf("expected TASK_COMPLETED last, got %v", kinds(evs))
	}

	calls := script.Calls()
	if len(calls[0].Tools) != 3 || !calls[0].StopAtToolCall {
		t.Fatalf("expected calculator plus synthetic tools bound, got %d", len(calls[0].Tools))
	}
	if h.saved == 0 {
		t.Fatalf("expected checkpoints")
	}
}

func TestReactIgnoresInventedObservation(t *testing.T) {
	script := llmtest.New().
		On(llmtest.WhenLastContains("Observation: 1517", llmtest.Text("Thought: I have it.\nFinal Answer: 1517"))).
		On(llmtest.WhenSystemContains(SystemHeader, llmtest.Text(
			"Thought: I should multiply.\nAction: calculator\n```json\n{\"expression\": \"37*41\"}\n```\nObservation: 9999\nFinal Answer: 9999")))
	h := newHarness(t, script, config.ExecutorConfig{Mode: config.ModeReact, MaxSteps: 5}, nil)
	out := h.run(t, newTask())
	if out.Status != StatusSuccess || out.Result != "1517" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	calls := script.Calls()
	if len(calls[0].Tools) != 0 {
		t.Fatalf("react mode should not bind native tools")
	}
	if !strings.Contains(llmtest.SystemPrompt(calls[0]), "Action: <tool name>") {
		t.Fatalf("react protocol missing from system prompt")
	}
	for _, ev := range h.events(t) {
		if ev.Kind == eventbus.KindLLMToken && strings.Contains(string(ev.Data), "9999") {
			t.Fatalf("tokens after the observation guard leaked: %s", ev.Data)
		}
	}
}

func TestParseReact(t *testing.T) {
	d := parseReact("Thought: look\nAction: web_fetch {\"url\": \"https://x.test\"}")
	if d.Action == nil || d.Action.Tool != "web_fetch" || d.Action.Args["url"] != "https://x.test" || d.Thought != "look" {
		t.Fatalf("unexpected decision %+v", d)
	}
	d = parseReact("Thought: x\nAction: calculator\nAction Input: {\"expression\": ")
	if d.ParseErr == nil {
		t.Fatalf("expected incomplete arguments to be reported")
	}
	d = parseReact("Jupiter, Saturn and Neptune.")
	if !d.IsFinal || d.Final != "Jupiter, Saturn and Neptune." {
		t.Fatalf("plain text should be final, got %+v", d)
	}
}

func TestUserInputSuspendsAndResumes(t *testing.T) {
	script := llmtest.New().
		On(func(req llm.Request) (llm.Response, bool, error) {
			if lastIsTool(req) && strings.Contains(req.Messages[len(req.Messages)-1].Content, "Tokyo") {
				return llmtest.Text("The weather report for Tokyo is ready."), true, nil
			}
			return llm.Response{}, false, nil
		}).
		On(func(req llm.Request) (llm.Response, bool, error) {
			return llmtest.Call("c1", models.UserInputTool, `{"fields":[{"key":"city","type":"text","required":true}]}`), true, nil
		})
	h := newHarness(t, script, config.ExecutorConfig{MaxSteps: 10}, nil)
	task := newTask()

	out := h.run(t, task)
	if out.Status != StatusNeedsInput || out.Request == nil || task.Status != models.TaskInput {
		t.Fatalf("expected suspension, got %+v status=%s", out, task.Status)
	}
	if out.Request.Schema[0].Key != "city" || !out.Request.Schema[0].Required {
		t.Fatalf("unexpected request %+v", out.Request)
	}
	evs := h.events(t)
	if evs[len(evs)-1].Kind != eventbus.KindUserInputRequested {
		t.Fatalf("expected USER_INPUT_REQUESTED last, got %v", kinds(evs))
	}

	// what the scheduler does when the answer arrives
	values := map[string]interface{}{"city": "Tokyo"}
	task.Steps[len(task.Steps)-1].Observation = FormatAnswer(values)
	task.InputRequest.Satisfied = true
	task.InputHistory = append(task.InputHistory, models.InputAnswer{RequestID: task.InputRequest.ID, Values: values})
	task.Status = models.TaskInputOver

	out = h.run(t, task)
	if out.Status != StatusSuccess || !strings.Contains(out.Result, "Tokyo") {
		t.Fatalf("unexpected resumed outcome %+v", out)
	}
	if task.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", task.Attempts)
	}
}

func TestInvalidUserInputRequestIsFedBack(t *testing.T) {
	script := llmtest.New().
		On(llmtest.WhenLastContains("invalid user input request", llmtest.Text("I will answer without asking."))).
		On(func(req llm.Request) (llm.Response, bool, error) {
			return llmtest.Call("c1", models.UserInputTool, `{"fields":[{"key":"color","type":"choice"}]}`), true, nil
		})
	h := newHarness(t, script, config.ExecutorConfig{MaxSteps: 10}, nil)
	out := h.run(t, newTask())
	if out.Status != StatusSuccess {
		t.Fatalf("expected success after feedback, got %+v", out)
	}
}

func TestMaxStepsOne(t *testing.T) {
	script := llmtest.New().On(func(req llm.Request) (llm.Response, bool, error) {
		return llmtest.Call("c1", "calculator", `{"expression":"1+1"}`), true, nil
	})
	h := newHarness(t, script, config.ExecutorConfig{MaxSteps: 1}, nil)
	task := newTask()
	out := h.run(t, task)
	if out.Status != StatusFailed || !strings.Contains(out.Reason, "step limit") {
		t.Fatalf("expected step limit failure, got %+v", out)
	}
	if len(script.Calls()) != 1 || len(task.Steps) != 1 {
		t.Fatalf("expected exactly one step, got %d calls %d steps", len(script.Calls()), len(task.Steps))
	}
	evs := h.events(t)
	if evs[len(evs)-1].Kind != eventbus.KindTaskFailed {
		t.Fatalf("expected TASK_FAILED last, got %v", kinds(evs))
	}
	if task.AppendStep(models.StepRecord{Thought: "late"}) {
		t.Fatalf("failed task accepted a step")
	}
}

func TestNoToolsAnswersDirectly(t *testing.T) {
	script := llmtest.New().On(llmtest.WhenSystemContains(SystemHeader, llmtest.Text("Jupiter, Saturn, Neptune")))
	h := newHarness(t, script, config.ExecutorConfig{MaxSteps: 1}, nil)
	task := &models.Task{ID: "t1", Title: "Answer", Profile: "answer from knowledge"}
	out := h.run(t, task, func(r *Run) { r.Tools = nil })
	if out.Status != StatusSuccess || !strings.Contains(out.Result, "Neptune") {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestStepRetriesWithElevatedTemperature(t *testing.T) {
	script := llmtest.New().
		Once(func(req llm.Request) (llm.Response, bool, error) {
			return llm.Response{}, true, errors.New("connection reset")
		}).
		On(llmtest.WhenSystemContains(SystemHeader, llmtest.Text("done")))
	h := newHarness(t, script, config.ExecutorConfig{MaxSteps: 3, RetryNum: 2, RetryTemperature: 1.3}, nil)
	h.exec.temperature = llm.Temperature(0.2)
	out := h.run(t, newTask())
	if out.Status != StatusSuccess {
		t.Fatalf("expected success after retry, got %+v", out)
	}
	calls := script.Calls()
	if len(calls) != 2 || *calls[0].Temperature != 0.2 || *calls[1].Temperature != 1.3 {
		t.Fatalf("unexpected retry temperatures")
	}
}

func TestStepFailsAfterRetries(t *testing.T) {
	script := llmtest.New().On(func(req llm.Request) (llm.Response, bool, error) {
		return llm.Response{}, true, errors.New("model overloaded")
	})
	h := newHarness(t, script, config.ExecutorConfig{MaxSteps: 3, RetryNum: 1}, nil)
	out := h.run(t, newTask())
	if out.Status != StatusFailed || !strings.Contains(out.Reason, "model overloaded") {
		t.Fatalf("expected failure, got %+v", out)
	}
	if len(script.Calls()) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(script.Calls()))
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	script := llmtest.New()
	h := newHarness(t, script, config.ExecutorConfig{MaxSteps: 3}, nil)
	cancel := make(chan struct{})
	close(cancel)
	out := h.run(t, newTask(), func(r *Run) { r.Cancel = cancel })
	if out.Status != StatusTerminated || len(script.Calls()) != 0 {
		t.Fatalf("expected termination without llm calls, got %+v", out)
	}
}

func TestCancelDuringToolLetsCallFinish(t *testing.T) {
	cancel := make(chan struct{})
	slow := &tools.Func{
		ToolName:        "slow_report",
		ToolDescription: "takes a while",
		Parameters:      tools.ObjectSchema(map[string]interface{}{}),
		Fn: func(ctx context.Context, args map[string]interface{}) (string, error) {
			close(cancel)
			time.Sleep(20 * time.Millisecond)
			return "report body", nil
		},
	}
	script := llmtest.New().On(func(req llm.Request) (llm.Response, bool, error) {
		return llmtest.Call("c1", "slow_report", `{}`), true, nil
	})
	h := newHarness(t, script, config.ExecutorConfig{MaxSteps: 5}, map[string]tools.Tool{"slow_report": slow})
	task := newTask()
	out := h.run(t, task, func(r *Run) { r.Cancel = cancel })
	if out.Status != StatusTerminated {
		t.Fatalf("expected termination, got %+v", out)
	}
	if len(task.Steps) != 1 || task.Steps[0].Observation != "report body" {
		t.Fatalf("in-flight tool result should be recorded, got %+v", task.Steps)
	}
	if len(script.Calls()) != 1 {
		t.Fatalf("no step should start after cancel, got %d llm calls", len(script.Calls()))
	}
}

func TestSummarisesWhenToolBufferExceeded(t *testing.T) {
	long := &tools.Func{
		ToolName:        "dump",
		ToolDescription: "returns a lot of text",
		Parameters:      tools.ObjectSchema(map[string]interface{}{}),
		Fn: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return strings.Repeat("data ", 200), nil
		},
	}
	script := llmtest.New().
		On(llmtest.WhenSystemContains(SummaryHeader, llmtest.Text("dump returned 200 words of data"))).
		On(func(req llm.Request) (llm.Response, bool, error) {
			if strings.Contains(llmtest.Transcript(req), "Progress so far (summarised)") {
				return llmtest.Text("summary seen"), true, nil
			}
			return llm.Response{}, false, nil
		}).
		On(func(req llm.Request) (llm.Response, bool, error) {
			return llmtest.Call("c1", "dump", `{}`), true, nil
		})
	h := newHarness(t, script, config.ExecutorConfig{MaxSteps: 5, ToolBuffer: 50}, map[string]tools.Tool{"dump": long})
	task := newTask()
	out := h.run(t, task)
	if out.Status != StatusSuccess || out.Result != "summary seen" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if task.SummaryUpTo != 1 || !strings.Contains(task.Summary, "200 words") {
		t.Fatalf("summary not recorded: upTo=%d summary=%q", task.SummaryUpTo, task.Summary)
	}
}

func TestSchemaValidationFedBackOnceThenFails(t *testing.T) {
	script := llmtest.New().On(func(req llm.Request) (llm.Response, bool, error) {
		return llmtest.Call("c1", "calculator", `{"expr":"1+1"}`), true, nil
	})
	h := newHarness(t, script, config.ExecutorConfig{MaxSteps: 10}, nil)
	task := newTask()
	out := h.run(t, task)
	if out.Status != StatusFailed || !strings.Contains(out.Reason, "repeated invalid tool arguments") {
		t.Fatalf("expected escalation, got %+v", out)
	}
	if len(task.Steps) != 1 || !strings.HasPrefix(task.Steps[0].Observation, "Error:") {
		t.Fatalf("first validation error should be an observation, got %+v", task.Steps)
	}
}

func TestUnknownToolFailsTask(t *testing.T) {
	script := llmtest.New().On(func(req llm.Request) (llm.Response, bool, error) {
		return llmtest.Call("c1", "web_search", `{"q":"x"}`), true, nil
	})
	h := newHarness(t, script, config.ExecutorConfig{MaxSteps: 10}, nil)
	out := h.run(t, newTask())
	if out.Status != StatusFailed || !strings.Contains(out.Reason, "tool not found") {
		t.Fatalf("expected tool not found, got %+v", out)
	}
}

func TestBudgetExceededIsFatal(t *testing.T) {
	script := llmtest.New().On(llmtest.WhenSystemContains(SystemHeader, llm.Response{
		Content: "done", Usage: llm.Usage{PromptTokens: 900, CompletionTokens: 200},
	}))
	h := newHarness(t, script, config.ExecutorConfig{MaxSteps: 3}, nil)
	_, err := h.exec.Run(context.Background(), Run{
		VersionID: "v1", Task: newTask(), Budget: budget.NewMonitor(budget.Config{MaxTokens: 1000}),
	})
	if !errors.Is(err, budget.ErrBudget) {
		t.Fatalf("expected budget error, got %v", err)
	}
}

type brokenBus struct{}

func (brokenBus) Append(ctx context.Context, versionID string, kind eventbus.Kind, payload interface{}) (int64, error) {
	return 0, eventbus.ErrStorageUnavailable
}

func TestBusFailureIsFatal(t *testing.T) {
	script := llmtest.New().On(llmtest.WhenSystemContains(SystemHeader, llmtest.Text("answer")))
	ex := New(script, tools.NewRegistry(tools.Options{}), brokenBus{}, config.ExecutorConfig{MaxSteps: 2, RetryNum: 2, RetrySleep: time.Millisecond})
	_, err := ex.Run(context.Background(), Run{VersionID: "v1", Task: newTask()})
	if !errors.Is(err, eventbus.ErrStorageUnavailable) {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if n := len(script.Calls()); n != 1 {
		t.Fatalf("bus failures must not be retried, got %d calls", n)
	}
}
