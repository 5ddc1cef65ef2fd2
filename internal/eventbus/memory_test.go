package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/linsight/internal/queue/streams"
)

func newTestBus(t *testing.T) *MemoryBus {
	t.Helper()
	reg, err := NewEventRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return NewMemoryBus(reg, time.Hour)
}

func collect(t *testing.T, sub *Subscription, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("subscription did not finish, got %d events", len(out))
		}
	}
}

func TestMemoryAppendSequenceIsGapFree(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := bus.Append(ctx, "v1", KindLLMToken, LLMToken{TaskID: "t1", Delta: "x"}); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	events, err := bus.Read(ctx, "v1", 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 50 {
		t.Fatalf("expected 50 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
	}
}

func TestMemoryReadSinceAndMax(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := bus.Append(ctx, "v1", KindQueuePosition, QueuePosition{N: 5 - i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	events, _ := bus.Read(ctx, "v1", 2, 2)
	if len(events) != 2 || events[0].Seq != 3 || events[1].Seq != 4 {
		t.Fatalf("unexpected window %+v", events)
	}
	if events, _ := bus.Read(ctx, "v1", 5, 0); len(events) != 0 {
		t.Fatalf("expected nothing past the end, got %d", len(events))
	}
	if events, _ := bus.Read(ctx, "missing", 0, 0); events != nil {
		t.Fatalf("expected nil for unknown version")
	}
}

func TestMemoryRejectsInvalidPayload(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	if _, err := bus.Append(ctx, "v1", KindStepAction, map[string]interface{}{"task_id": "t1"}); err == nil {
		t.Fatalf("expected schema error for missing tool")
	}
	if _, err := bus.Append(ctx, "v1", Kind("NOPE"), nil); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
	if events, _ := bus.Read(ctx, "v1", 0, 0); len(events) != 0 {
		t.Fatalf("rejected payloads must not consume a seq")
	}
}

func TestMemoryCloseMakesStreamReadOnly(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	if _, err := bus.Close(ctx, "v1", KindTaskCompleted, TaskCompleted{TaskID: "t", Result: "r"}); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("expected ErrNotTerminal, got %v", err)
	}
	if _, err := bus.Append(ctx, "v1", KindPlanStarted, PlanStarted{Question: "q"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	seq, err := bus.Close(ctx, "v1", KindTaskTerminated, TaskTerminated{Reason: "user"})
	if err != nil || seq != 2 {
		t.Fatalf("close: seq=%d err=%v", seq, err)
	}
	if _, err := bus.Append(ctx, "v1", KindLLMToken, LLMToken{TaskID: "t", Delta: "late"}); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
	closed, _ := bus.Closed(ctx, "v1")
	if !closed {
		t.Fatalf("stream should report closed")
	}
}

func TestMemoryReplayMatchesLiveSubscription(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "v1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	go func() {
		bus.Append(ctx, "v1", KindPlanStarted, PlanStarted{Question: "q"})
		bus.Append(ctx, "v1", KindSOPReady, SOPReady{SOP: "# sop"})
		bus.Append(ctx, "v1", KindTaskStarted, TaskStarted{TaskID: "t1", Title: "root"})
		bus.Append(ctx, "v1", KindTaskCompleted, TaskCompleted{TaskID: "t1", Result: "done"})
		bus.Close(ctx, "v1", KindFinalResult, FinalResult{Artifact: "done"})
	}()
	live := collect(t, sub, 2*time.Second)

	replay, err := bus.Read(ctx, "v1", 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(live) != len(replay) || len(live) != 5 {
		t.Fatalf("live=%d replay=%d", len(live), len(replay))
	}
	for i := range live {
		if live[i].Seq != replay[i].Seq || live[i].Kind != replay[i].Kind || string(live[i].Data) != string(replay[i].Data) {
			t.Fatalf("mismatch at %d: %+v vs %+v", i, live[i], replay[i])
		}
	}
	if live[4].Kind != KindFinalResult {
		t.Fatalf("expected terminal last, got %s", live[4].Kind)
	}
}

func TestMemorySubscribeFromSinceOnClosedStream(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	bus.Append(ctx, "v1", KindPlanStarted, PlanStarted{Question: "q"})
	bus.Append(ctx, "v1", KindErrorMessage, ErrorMessage{Text: "boom", Code: 11052})
	bus.Close(ctx, "v1", KindTaskTerminated, TaskTerminated{Reason: "error"})

	sub, err := bus.Subscribe(ctx, "v1", 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	events := collect(t, sub, time.Second)
	if len(events) != 2 || events[0].Seq != 2 || events[1].Kind != KindTaskTerminated {
		t.Fatalf("unexpected events %+v", events)
	}

	// nothing left past the terminal event; the subscription must still end
	sub, _ = bus.Subscribe(ctx, "v1", 3)
	if events := collect(t, sub, time.Second); len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestMemorySubscriptionCloseReleasesReader(t *testing.T) {
	bus := newTestBus(t)
	sub, err := bus.Subscribe(context.Background(), "v1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	done := make(chan struct{})
	go func() {
		sub.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("close did not release the reader")
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("events channel should be closed")
	}
}

func TestMemoryRetentionDropsClosedStreams(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	now := time.Now()
	bus.now = func() time.Time { return now }
	bus.Close(ctx, "old", KindFinalResult, FinalResult{Artifact: "x"})

	bus.now = func() time.Time { return now.Add(2 * time.Hour) }
	bus.Append(ctx, "other", KindPlanStarted, PlanStarted{})
	if events, _ := bus.Read(ctx, "old", 0, 0); len(events) != 0 {
		t.Fatalf("expected retention sweep to drop old stream")
	}
}

func TestEventEnvelopeShape(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	bus.Append(ctx, "v1", KindStepAction, StepAction{TaskID: "t1", Tool: "calculator", Args: map[string]interface{}{"expression": "37*41"}})
	events, _ := bus.Read(ctx, "v1", 0, 1)
	var action StepAction
	if err := events[0].Decode(&action); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if action.Tool != "calculator" || action.Args["expression"] != "37*41" {
		t.Fatalf("unexpected payload %+v", action)
	}
	if events[0].TS == 0 || events[0].Time().IsZero() {
		t.Fatalf("timestamp missing")
	}
}

func TestMemoryControlRoundTrip(t *testing.T) {
	ch := NewMemoryControl(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ch.Send(ctx, Control{Type: streams.ControlUserInput, VersionID: "v1", TaskID: "t1", Values: map[string]interface{}{"city": "Tokyo"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := ch.Send(ctx, Control{Type: streams.ControlUserInput, VersionID: "v1"}); err == nil {
		t.Fatalf("expected validation error")
	}
	in, err := ch.Listen(ctx, "v1")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	select {
	case c := <-in:
		if c.TaskID != "t1" || c.Values["city"] != "Tokyo" {
			t.Fatalf("unexpected control %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatalf("control not delivered")
	}
	cancel()
	if _, ok := <-in; ok {
		t.Fatalf("listener should close on cancel")
	}
}
