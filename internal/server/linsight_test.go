package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/mohammad-safakhou/linsight/internal/eventbus"
	"github.com/mohammad-safakhou/linsight/internal/queue/streams"
	"github.com/mohammad-safakhou/linsight/models"
)

func TestSubmitCreatesSessionAndStartsRunner(t *testing.T) {
	f := newFixture(t)
	body := map[string]interface{}{
		"question":              "Summarise the Q3 incident reports",
		"org_knowledge_enabled": true,
		"tools": []map[string]interface{}{
			{"id": 1, "children": []map[string]interface{}{{"id": 11, "tool_key": "web_search"}}},
		},
	}
	rec := f.do(t, http.MethodPost, "/api/v1/linsight/workbench/submit", token(t, 42), body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var resp submitResponse
	decodeBody(t, rec, &resp)
	if resp.ChatID == "" || resp.VersionID == "" {
		t.Fatalf("missing ids: %+v", resp)
	}
	if len(f.runner.started) != 1 {
		t.Fatalf("expected runner start, got %d", len(f.runner.started))
	}
	v := f.runner.started[0]
	if v.ID != resp.VersionID || v.SessionID != resp.ChatID || v.UserID != 42 {
		t.Fatalf("unexpected started version %+v", v)
	}
	if v.Status != models.VersionNotStarted || !v.OrgKnowledgeEnabled {
		t.Fatalf("unexpected version fields %+v", v)
	}
	if keys := v.ToolKeys(); len(keys) != 1 || keys[0] != "web_search" {
		t.Fatalf("unexpected tools %v", keys)
	}
	if f.gate.consumed != 1 {
		t.Fatalf("expected one consumed use, got %d", f.gate.consumed)
	}
	if got := f.store.sessions[0].CurrentVersionID; got != resp.VersionID {
		t.Fatalf("session current version %q", got)
	}
}

func TestSubmitRequiresToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/linsight/workbench/submit", "", map[string]string{"question": "q"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestSubmitRejectsEmptyQuestion(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/linsight/workbench/submit", token(t, 1), map[string]string{"question": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if f.gate.consumed != 0 {
		t.Fatalf("gate should not be touched")
	}
}

func TestSubmitQueueFullDoesNotConsume(t *testing.T) {
	f := newFixture(t)
	f.queue.full = true
	rec := f.do(t, http.MethodPost, "/api/v1/linsight/workbench/submit", token(t, 1), map[string]string{"question": "q"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}
	var body map[string]interface{}
	decodeBody(t, rec, &body)
	if body["status_code"] != float64(11040) {
		t.Fatalf("unexpected body %v", body)
	}
	if f.gate.consumed != 0 || len(f.runner.started) != 0 {
		t.Fatalf("queue overflow must not consume or start")
	}
}

func TestSubmitUseUpReturns402(t *testing.T) {
	f := newFixture(t)
	f.gate.remaining = 0
	rec := f.do(t, http.MethodPost, "/api/v1/linsight/workbench/submit", token(t, 1), map[string]string{"question": "q"})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 got %d", rec.Code)
	}
	var body map[string]interface{}
	decodeBody(t, rec, &body)
	if body["status_code"] != float64(11030) {
		t.Fatalf("unexpected body %v", body)
	}
	if len(f.store.sessions) != 0 {
		t.Fatalf("no session should be created")
	}
}

func TestSubmitStoreFailureRefunds(t *testing.T) {
	f := newFixture(t)
	f.store.createErr = errors.New("db down")
	rec := f.do(t, http.MethodPost, "/api/v1/linsight/workbench/submit", token(t, 1), map[string]string{"question": "q"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rec.Code)
	}
	if f.gate.refunded != 1 {
		t.Fatalf("expected refund, got %d", f.gate.refunded)
	}
}

func TestSubmitRunnerFailureFailsVersionAndRefunds(t *testing.T) {
	f := newFixture(t)
	f.runner.err = errors.New("runner shut down")
	rec := f.do(t, http.MethodPost, "/api/v1/linsight/workbench/submit", token(t, 1), map[string]string{"question": "q"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	if f.gate.refunded != 1 {
		t.Fatalf("expected refund")
	}
	for _, v := range f.store.versions {
		if v.Status != models.VersionFailed {
			t.Fatalf("version should be failed, got %s", v.Status)
		}
	}
}

func TestVersionReturnsTaskTree(t *testing.T) {
	f := newFixture(t)
	f.seedVersion("v1", 7, models.VersionInProgress)
	f.store.tasks["v1"] = []models.Task{{ID: "t0", VersionID: "v1", Title: "root"}, {ID: "t1", VersionID: "v1", ParentID: "t0", Ordinal: 1}}

	rec := f.do(t, http.MethodGet, "/api/v1/linsight/session/v1", token(t, 7), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var resp versionResponse
	decodeBody(t, rec, &resp)
	if resp.Version.ID != "v1" || len(resp.Tasks) != 2 || resp.Tasks[1].ParentID != "t0" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestVersionOfAnotherUserIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.seedVersion("v1", 7, models.VersionInProgress)
	rec := f.do(t, http.MethodGet, "/api/v1/linsight/session/v1", token(t, 8), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestEventsReplaySince(t *testing.T) {
	f := newFixture(t)
	f.seedVersion("v1", 7, models.VersionInProgress)
	ctx := context.Background()
	if _, err := f.bus.Append(ctx, "v1", eventbus.KindPlanStarted, eventbus.PlanStarted{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := f.bus.Append(ctx, "v1", eventbus.KindSOPReady, eventbus.SOPReady{SOP: "1. search"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := f.bus.Close(ctx, "v1", eventbus.KindFinalResult, eventbus.FinalResult{Artifact: "done"}); err != nil {
		t.Fatalf("close: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/linsight/session/v1/events?since=1", token(t, 7), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var resp eventsResponse
	decodeBody(t, rec, &resp)
	if !resp.Closed || len(resp.Events) != 2 {
		t.Fatalf("unexpected replay %+v", resp)
	}
	if resp.Events[0].Seq != 2 || resp.Events[1].Kind != eventbus.KindFinalResult {
		t.Fatalf("unexpected events %+v", resp.Events)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/linsight/session/v1/events?since=-1", token(t, 7), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative since, got %d", rec.Code)
	}
}

func TestFeedback(t *testing.T) {
	f := newFixture(t)
	f.seedVersion("done", 7, models.VersionCompleted)
	f.seedVersion("running", 7, models.VersionInProgress)
	tok := token(t, 7)

	rec := f.do(t, http.MethodPost, "/api/v1/linsight/session/done/feedback", tok, map[string]interface{}{"score": 6})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for score 6, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/v1/linsight/session/running/feedback", tok, map[string]interface{}{"score": 4})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for running version, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/v1/linsight/session/done/feedback", tok, map[string]interface{}{"score": 4, "execute_feedback": "good"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d: %s", rec.Code, rec.Body.String())
	}
	if f.store.feedback["done"] != 4 {
		t.Fatalf("score not stored")
	}
}

func TestTerminatePublishesControl(t *testing.T) {
	f := newFixture(t)
	f.seedVersion("v1", 7, models.VersionInProgress)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := f.control.Listen(ctx, "v1")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/linsight/session/v1/terminate", token(t, 7), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", rec.Code)
	}
	select {
	case c := <-ch:
		if c.Type != streams.ControlTerminate || c.VersionID != "v1" {
			t.Fatalf("unexpected control %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("terminate control not delivered")
	}

	f.seedVersion("v2", 7, models.VersionTerminated)
	rec = f.do(t, http.MethodPost, "/api/v1/linsight/session/v2/terminate", token(t, 7), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on finished version, got %d", rec.Code)
	}
}

func TestSessionTitleTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "é"
	}
	if got := []rune(sessionTitle(long)); len(got) != maxTitleRunes {
		t.Fatalf("expected %d runes, got %d", maxTitleRunes, len(got))
	}
	if got := sessionTitle("  short  "); got != "short" {
		t.Fatalf("unexpected title %q", got)
	}
}
