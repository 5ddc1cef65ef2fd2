package budget

import (
	"errors"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	if err := (Config{MaxTokens: -1}).Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
	if err := (Config{MaxTokens: 10, MaxTime: time.Minute}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMonitorAddTracksTasks(t *testing.T) {
	mon := NewMonitor(Config{MaxTokens: 1000})
	if err := mon.Add("t1", 400); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mon.Add("t2", 300); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := mon.Add("t1", 400)
	if !errors.Is(err, ErrBudget) {
		t.Fatalf("expected token budget breach, got %v", err)
	}
	if mon.Tokens() != 1100 || mon.TaskTokens("t1") != 800 || mon.TaskTokens("t2") != 300 {
		t.Fatalf("unexpected usage total=%d t1=%d t2=%d", mon.Tokens(), mon.TaskTokens("t1"), mon.TaskTokens("t2"))
	}
}

func TestMonitorUnlimited(t *testing.T) {
	mon := NewMonitor(Config{})
	if err := mon.Add("t1", 1<<40); err != nil {
		t.Fatalf("unlimited monitor rejected usage: %v", err)
	}
	var nilMon *Monitor
	if err := nilMon.Add("t1", 5); err != nil || nilMon.Tokens() != 0 {
		t.Fatalf("nil monitor should be a no-op")
	}
}

func TestMonitorCheckTime(t *testing.T) {
	mon := NewMonitor(Config{MaxTime: time.Minute})
	start := mon.startTime
	mon.now = func() time.Time { return start.Add(30 * time.Second) }
	if err := mon.CheckTime(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mon.now = func() time.Time { return start.Add(2 * time.Minute) }
	var exceeded ErrExceeded
	if err := mon.CheckTime(); !errors.As(err, &exceeded) || exceeded.Kind != "time" {
		t.Fatalf("expected time breach, got %v", err)
	}
	if !IsTime(mon.CheckTime()) || IsTime(ErrExceeded{Kind: "tokens"}) {
		t.Fatalf("IsTime should match only time breaches")
	}
}
