package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mohammad-safakhou/linsight/config"
	"github.com/mohammad-safakhou/linsight/internal/llm"
	"github.com/mohammad-safakhou/linsight/internal/llm/llmtest"
	"github.com/mohammad-safakhou/linsight/internal/retriever"
	"github.com/mohammad-safakhou/linsight/models"
)

type stubSOPs struct {
	query retriever.Query
	res   retriever.Result
	err   error
}

func (s *stubSOPs) Search(ctx context.Context, q retriever.Query) (retriever.Result, error) {
	s.query = q
	return s.res, s.err
}

func newTestPlanner(client llm.Client, sops Searcher, retries int) *Planner {
	return New(client, sops, config.PlannerConfig{RetryNum: retries, SOPTopK: 2}, nil, WithRetrySleep(time.Millisecond))
}

func TestPlanUsesReferencesAndTools(t *testing.T) {
	sops := &stubSOPs{res: retriever.Result{Documents: []retriever.Scored{{
		Document: retriever.Document{ID: "7", Title: "Arithmetic questions", Content: "1. Compute with the calculator."},
	}}}}
	script := llmtest.New().
		On(llmtest.WhenSystemContains(SOPPromptHeader, llmtest.Text("```markdown\n# Goal\n1. Compute 37*41\n```"))).
		On(llmtest.WhenSystemContains(DecomposePromptHeader, llmtest.Text(
			`[{"title":"Compute","profile":"multiply the numbers","tools":["calculator"]}]`)))

	p := newTestPlanner(script, sops, 1)
	req := RequestFromVersion(models.SessionVersion{
		ID:       "v1",
		Question: "What is 37 * 41?",
		Files:    []models.FileRef{{FileID: "f1", FileName: "notes.txt", Summary: "scratch"}, {FileName: "orphan"}},
	}, []ToolInfo{{Key: "calculator", Description: "evaluate arithmetic"}}, "")

	plan, err := p.Plan(context.Background(), req)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.SOP != "# Goal\n1. Compute 37*41" {
		t.Fatalf("fence not stripped: %q", plan.SOP)
	}
	if len(plan.Tasks) != 1 || plan.Tasks[0].Tools[0] != "calculator" || plan.Tasks[0].Ordinal != 1 {
		t.Fatalf("unexpected tasks %+v", plan.Tasks)
	}
	if sops.query.TopK != 2 || sops.query.Collections[0] != retriever.CollectionSOP {
		t.Fatalf("unexpected sop query %+v", sops.query)
	}
	if plan.Usage.Total() == 0 {
		t.Fatalf("expected usage to be accumulated")
	}

	calls := script.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 llm calls, got %d", len(calls))
	}
	sopPrompt := llmtest.Transcript(calls[0])
	for _, want := range []string{"Arithmetic questions", "calculator: evaluate arithmetic", "notes.txt"} {
		if !strings.Contains(sopPrompt, want) {
			t.Fatalf("sop prompt missing %q:\n%s", want, sopPrompt)
		}
	}
	if strings.Contains(sopPrompt, "orphan") {
		t.Fatalf("files without an id should be skipped")
	}
}

func TestPlanWithoutSOPLibrary(t *testing.T) {
	sops := &stubSOPs{err: retriever.ErrRetrievalUnavailable}
	script := llmtest.New().
		On(llmtest.WhenSystemContains(SOPPromptHeader, llmtest.Text("# Goal\nList planets"))).
		On(llmtest.WhenSystemContains(DecomposePromptHeader, llmtest.Text(`[{"title":"Answer","profile":"answer from memory"}]`)))
	plan, err := newTestPlanner(script, sops, 0).Plan(context.Background(), Request{VersionID: "v", Question: "planets"})
	if err != nil {
		t.Fatalf("plan should degrade without references: %v", err)
	}
	if len(plan.References) != 0 || len(plan.Tasks) != 1 || len(plan.Tasks[0].Tools) != 0 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestDecomposeFeedsErrorsBack(t *testing.T) {
	script := llmtest.New().
		Once(llmtest.WhenSystemContains(DecomposePromptHeader, llmtest.Text(`[{"title":"Search","profile":"look it up","tools":["web_search"]}]`))).
		On(llmtest.WhenLastContains("rejected", llmtest.Text(`[{"title":"Answer","profile":"answer directly"}]`)))

	tasks, _, err := newTestPlanner(script, nil, 2).Decompose(context.Background(), Request{VersionID: "v"}, "sop")
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if tasks[0].Title != "Answer" {
		t.Fatalf("expected corrected plan, got %+v", tasks)
	}
	calls := script.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	last := calls[1].Messages[len(calls[1].Messages)-1].Content
	if !strings.Contains(last, `tool "web_search" is not available`) {
		t.Fatalf("parser error not fed back: %q", last)
	}
}

func TestDecomposeGivesUp(t *testing.T) {
	script := llmtest.New().On(llmtest.WhenSystemContains(DecomposePromptHeader, llmtest.Text("no idea")))
	_, _, err := newTestPlanner(script, nil, 2).Decompose(context.Background(), Request{VersionID: "v"}, "sop")
	if !errors.Is(err, ErrPlanInvalid) {
		t.Fatalf("expected ErrPlanInvalid, got %v", err)
	}
	if n := len(script.Calls()); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	script := llmtest.New().
		Once(func(req llm.Request) (llm.Response, bool, error) {
			return llm.Response{}, true, llm.ErrTransient
		}).
		On(llmtest.WhenSystemContains(SOPPromptHeader, llmtest.Text("# SOP")))
	sop, _, err := newTestPlanner(script, nil, 1).DraftSOP(context.Background(), Request{Question: "q"}, nil)
	if err != nil || sop != "# SOP" {
		t.Fatalf("expected retry to succeed, got %q %v", sop, err)
	}
}

func TestReplanNumbersAfterCompleted(t *testing.T) {
	script := llmtest.New().On(llmtest.WhenSystemContains(ReplanPromptHeader,
		llmtest.Text(`[{"title":"Compare","profile":"compare results","depends_on":[1,2]}]`)))
	tasks, _, err := newTestPlanner(script, nil, 0).Replan(context.Background(), ReplanRequest{
		Request:   Request{VersionID: "v", Question: "q"},
		SOP:       "amended",
		Completed: []CompletedTask{{Ordinal: 1, Title: "A", Result: "ra"}, {Ordinal: 2, Title: "B", Result: "rb"}},
	})
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	if tasks[0].Ordinal != 3 {
		t.Fatalf("expected ordinal 3, got %d", tasks[0].Ordinal)
	}
	prompt := llmtest.Transcript(script.Calls()[0])
	if !strings.Contains(prompt, "numbering new tasks from 3") || !strings.Contains(prompt, "1. A => ra") {
		t.Fatalf("replan prompt missing context:\n%s", prompt)
	}
}

func TestReplanCorrectsDependencyOnRemovedTask(t *testing.T) {
	script := llmtest.New()
	script.Once(llmtest.WhenSystemContains(ReplanPromptHeader,
		llmtest.Text(`[{"ordinal":3,"title":"French","profile":"describe in French","depends_on":[2]}]`)))
	script.On(llmtest.WhenSystemContains(ReplanPromptHeader,
		llmtest.Text(`[{"ordinal":3,"title":"French","profile":"describe in French","depends_on":[1]}]`)))
	tasks, _, err := newTestPlanner(script, nil, 1).Replan(context.Background(), ReplanRequest{
		Request:   Request{VersionID: "v", Question: "q"},
		SOP:       "amended",
		Completed: []CompletedTask{{Ordinal: 1, Title: "Ask city", Result: "Tokyo"}},
		Removed:   []RemovedTask{{Ordinal: 2, Title: "Describe"}},
	})
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	if len(tasks) != 1 || tasks[0].DependsOn[0] != 1 {
		t.Fatalf("expected the corrected plan, got %+v", tasks)
	}
	calls := script.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected one correction round, got %d calls", len(calls))
	}
	first := llmtest.Transcript(calls[0])
	if !strings.Contains(first, "Removed tasks") || !strings.Contains(first, "- 2. Describe") ||
		!strings.Contains(first, "numbering new tasks from 3") {
		t.Fatalf("replan prompt should list the removed task:\n%s", first)
	}
	if !strings.Contains(llmtest.Transcript(calls[1]), "removed by the amendment") {
		t.Fatalf("correction should name the removed dependency")
	}
}

func TestOneLineKeepsRunesWhole(t *testing.T) {
	got := oneLine(strings.Repeat("东京", 100))
	if !utf8.ValidString(got) || !strings.HasSuffix(got, "...") || len(got) > 303 {
		t.Fatalf("unexpected summary %q", got)
	}
}
