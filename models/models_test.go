package models

import "testing"

func TestVersionStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to VersionStatus
		ok       bool
	}{
		{VersionNotStarted, VersionInProgress, true},
		{VersionInProgress, VersionCompleted, true},
		{VersionInProgress, VersionTerminated, true},
		{VersionInProgress, VersionFailed, true},
		{VersionNotStarted, VersionTerminated, true},
		{VersionNotStarted, VersionCompleted, false},
		{VersionCompleted, VersionInProgress, false},
		{VersionFailed, VersionCompleted, false},
		{VersionInProgress, VersionNotStarted, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: expected %v got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestAppendStepStopsAtTerminal(t *testing.T) {
	task := &Task{Status: TaskProcessing}
	if !task.AppendStep(StepRecord{Thought: "first"}) {
		t.Fatalf("expected append while processing")
	}
	task.Status = TaskSuccess
	if task.AppendStep(StepRecord{Thought: "late"}) {
		t.Fatalf("terminal task accepted a step")
	}
	if len(task.Steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(task.Steps))
	}
	if task.Steps[0].Timestamp.IsZero() {
		t.Fatalf("timestamp should be set")
	}
}

func TestInputRequestMissing(t *testing.T) {
	req := InputRequest{Schema: []InputField{
		{Key: "city", Type: InputText, Required: true},
		{Key: "note", Type: InputText},
	}}
	if missing := req.Missing(map[string]interface{}{"note": "x"}); len(missing) != 1 || missing[0] != "city" {
		t.Fatalf("unexpected missing keys %v", missing)
	}
	if missing := req.Missing(map[string]interface{}{"city": "Tokyo"}); len(missing) != 0 {
		t.Fatalf("expected none missing, got %v", missing)
	}
}

func TestToolKeysFlatten(t *testing.T) {
	v := SessionVersion{Tools: []ToolSelection{
		{ID: 1, Children: []ToolChild{{ID: 11, ToolKey: "calculator"}, {ID: 12, ToolKey: ""}}},
		{ID: 2, Children: []ToolChild{{ID: 21, ToolKey: "web_fetch"}}},
	}}
	keys := v.ToolKeys()
	if len(keys) != 2 || keys[0] != "calculator" || keys[1] != "web_fetch" {
		t.Fatalf("unexpected keys %v", keys)
	}
}
