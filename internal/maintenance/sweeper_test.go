package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohammad-safakhou/linsight/config"
)

type recordingPruner struct {
	cutoffs []time.Time
	n       int64
	err     error
}

func (p *recordingPruner) DeleteFinishedTasksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	p.cutoffs = append(p.cutoffs, cutoff)
	return p.n, p.err
}

type stubLocker struct {
	ok   bool
	err  error
	keys []string
}

func (l *stubLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	return l.ok, l.err
}

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestSweepUsesRetentionCutoff(t *testing.T) {
	pruner := &recordingPruner{n: 12}
	s, err := NewSweeper(config.MaintenanceConfig{SweepCron: "0 * * * *", TaskRetention: 48 * time.Hour}, pruner, nil, "")
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = fixedNow(now)

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 12 {
		t.Fatalf("expected 12 rows, got %d", n)
	}
	if len(pruner.cutoffs) != 1 || !pruner.cutoffs[0].Equal(now.Add(-48*time.Hour)) {
		t.Fatalf("unexpected cutoff %v", pruner.cutoffs)
	}
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	pruner := &recordingPruner{n: 3}
	locker := &stubLocker{ok: false}
	s, err := NewSweeper(config.MaintenanceConfig{}, pruner, locker, "acme")
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	n, err := s.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected silent skip, got %d %v", n, err)
	}
	if len(pruner.cutoffs) != 0 {
		t.Fatalf("pruner should not run without the lock")
	}
	if len(locker.keys) != 1 || locker.keys[0] != "acme:sweep:lock" {
		t.Fatalf("unexpected lock keys %v", locker.keys)
	}

	locker.err = errors.New("redis down")
	if _, err := s.Sweep(context.Background()); err == nil {
		t.Fatalf("expected lock error")
	}
}

func TestSweepPropagatesPrunerError(t *testing.T) {
	pruner := &recordingPruner{err: errors.New("boom")}
	s, err := NewSweeper(config.MaintenanceConfig{}, pruner, &stubLocker{ok: true}, "")
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if _, err := s.Sweep(context.Background()); err == nil {
		t.Fatalf("expected pruner error")
	}
}

func TestNewSweeperRejectsBadCron(t *testing.T) {
	if _, err := NewSweeper(config.MaintenanceConfig{SweepCron: "every tuesday"}, &recordingPruner{}, nil, ""); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestNextFollowsCron(t *testing.T) {
	s, err := NewSweeper(config.MaintenanceConfig{SweepCron: "*/15 * * * *"}, &recordingPruner{}, nil, "")
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	from := time.Date(2025, 3, 10, 12, 7, 0, 0, time.UTC)
	if next := s.Next(from); !next.Equal(time.Date(2025, 3, 10, 12, 15, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next %s", next)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := NewSweeper(config.MaintenanceConfig{}, &recordingPruner{}, nil, "")
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}
