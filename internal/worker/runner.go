// Package worker runs submitted session-versions on this node. Each version waits for an
// admission slot, reports its queue position, runs through the scheduler and gives the slot back.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/linsight/internal/eventbus"
	"github.com/mohammad-safakhou/linsight/internal/queue"
	"github.com/mohammad-safakhou/linsight/internal/scheduler"
	"github.com/mohammad-safakhou/linsight/models"
)

// Scheduler runs one version to its terminal event.
type Scheduler interface {
	Run(ctx context.Context, v *models.SessionVersion) (models.VersionStatus, error)
}

// Admitter hands out execution slots.
type Admitter interface {
	Admit(ctx context.Context, t queue.Ticket) (*queue.Slot, error)
}

// StoreAPI captures the store methods required by the runner.
type StoreAPI interface {
	UpdateVersion(ctx context.Context, v *models.SessionVersion) error
	FailOrphanedVersion(ctx context.Context, versionID string) (bool, error)
}

// Refunder returns a consumed invite use.
type Refunder interface {
	Refund(ctx context.Context, userID int64) error
}

// Deps are the collaborators of a Runner. Refunder may be nil.
type Deps struct {
	Scheduler Scheduler
	Queue     Admitter
	Bus       eventbus.Bus
	Store     StoreAPI
	Refunder  Refunder
	Logger    *log.Logger
}

// Runner owns the goroutines of versions submitted on this node.
type Runner struct {
	deps   Deps
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]bool
}

// NewRunner creates a runner whose versions live until ctx is cancelled or Shutdown is called.
func NewRunner(ctx context.Context, deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Runner{deps: deps, logger: logger, ctx: ctx, cancel: cancel, running: make(map[string]bool)}
}

// Start queues v for execution and returns immediately.
func (r *Runner) Start(v models.SessionVersion) error {
	if r.ctx.Err() != nil {
		return fmt.Errorf("runner stopped: %w", r.ctx.Err())
	}
	r.mu.Lock()
	if r.running[v.ID] {
		r.mu.Unlock()
		return fmt.Errorf("version %s already running", v.ID)
	}
	r.running[v.ID] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.done(v.ID)
		r.run(r.ctx, &v)
	}()
	return nil
}

func (r *Runner) done(versionID string) {
	r.mu.Lock()
	delete(r.running, versionID)
	r.mu.Unlock()
}

// Running reports the number of versions owned by this runner, queued or executing.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

func (r *Runner) run(ctx context.Context, v *models.SessionVersion) {
	ctx, span := otel.Tracer("linsight/worker").Start(ctx, "worker.run_version")
	defer span.End()
	span.SetAttributes(attribute.String("version_id", v.ID), attribute.Int64("user_id", v.UserID))

	queuedAt := time.Now()
	slot, err := r.deps.Queue.Admit(ctx, queue.Ticket{
		VersionID: v.ID,
		UserID:    v.UserID,
		Position: func(ctx context.Context, n int) {
			if _, err := r.deps.Bus.Append(ctx, v.ID, eventbus.KindQueuePosition, eventbus.QueuePosition{N: n}); err != nil {
				r.logger.Printf("version=%s queue position %d: %v", v.ID, n, err)
			}
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.rejected(v, err)
		return
	}
	defer slot.Release()
	if wait := time.Since(queuedAt); wait > time.Second {
		r.logger.Printf("version=%s admitted after %s", v.ID, wait.Round(time.Millisecond))
	}

	status, err := r.deps.Scheduler.Run(ctx, v)
	versionsFinished(ctx, status)
	span.SetAttributes(attribute.String("status", string(status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Printf("version=%s finished %s: %v", v.ID, status, err)
		return
	}
	r.logger.Printf("version=%s finished %s", v.ID, status)
}

// rejected ends a version that never got a slot and gives the consumed use back.
func (r *Runner) rejected(v *models.SessionVersion, cause error) {
	// the runner context may already be gone during shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	code, text := scheduler.CodeStorage, "The session could not be started: "+cause.Error()
	if errors.Is(cause, queue.ErrQueueFull) {
		code, text = queue.CodeQueueFull, "The service is busy, please try again later."
	} else if errors.Is(cause, context.Canceled) {
		text = "The session was stopped before it could start."
	}
	r.logger.Printf("version=%s not admitted: %v", v.ID, cause)

	if v.Status.CanTransition(models.VersionFailed) {
		v.Status = models.VersionFailed
		v.UpdatedAt = time.Now().UTC()
		if err := r.deps.Store.UpdateVersion(ctx, v); err != nil {
			r.logger.Printf("version=%s store failed status: %v", v.ID, err)
		}
	}
	if _, err := r.deps.Bus.Append(ctx, v.ID, eventbus.KindErrorMessage, eventbus.ErrorMessage{Text: text, Code: code}); err != nil {
		r.logger.Printf("version=%s error message: %v", v.ID, err)
	}
	if _, err := r.deps.Bus.Close(ctx, v.ID, eventbus.KindTaskTerminated, eventbus.TaskTerminated{Reason: text, Status: string(models.VersionFailed)}); err != nil {
		r.logger.Printf("version=%s close stream: %v", v.ID, err)
	}
	if r.deps.Refunder != nil {
		if err := r.deps.Refunder.Refund(ctx, v.UserID); err != nil {
			r.logger.Printf("version=%s refund for user %d failed: %v", v.ID, v.UserID, err)
		}
	}
	versionsFinished(ctx, models.VersionFailed)
}

// ReapOrphan fails a version whose worker stopped heartbeating. It is the reaper callback.
func (r *Runner) ReapOrphan(ctx context.Context, versionID, workerID string) {
	failed, err := r.deps.Store.FailOrphanedVersion(ctx, versionID)
	if err != nil {
		r.logger.Printf("version=%s orphaned by %s: %v", versionID, workerID, err)
		return
	}
	if !failed {
		return
	}
	closed, err := r.deps.Bus.Closed(ctx, versionID)
	if err != nil {
		r.logger.Printf("version=%s orphaned by %s, stream state: %v", versionID, workerID, err)
		return
	}
	if closed {
		return
	}
	text := "The worker running this session stopped responding."
	if _, err := r.deps.Bus.Append(ctx, versionID, eventbus.KindErrorMessage, eventbus.ErrorMessage{Text: text, Code: scheduler.CodeStorage}); err != nil {
		r.logger.Printf("version=%s error message: %v", versionID, err)
	}
	if _, err := r.deps.Bus.Close(ctx, versionID, eventbus.KindTaskTerminated, eventbus.TaskTerminated{Reason: text, Status: string(models.VersionFailed)}); err != nil && !errors.Is(err, eventbus.ErrStreamClosed) {
		r.logger.Printf("version=%s close stream: %v", versionID, err)
	}
	r.logger.Printf("version=%s failed, worker %s is gone", versionID, workerID)
	versionsReaped(ctx)
}

// Shutdown cancels every owned version and waits for them to finish or ctx to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
