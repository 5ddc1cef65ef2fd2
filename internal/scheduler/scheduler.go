// Package scheduler owns the lifecycle of a session-version: planning, dispatch of the task
// tree, user input, SOP amendments, termination and finalisation.
package scheduler

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/mohammad-safakhou/linsight/config"
	"github.com/mohammad-safakhou/linsight/internal/eventbus"
	"github.com/mohammad-safakhou/linsight/internal/executor"
	"github.com/mohammad-safakhou/linsight/internal/llm"
	"github.com/mohammad-safakhou/linsight/internal/planner"
	"github.com/mohammad-safakhou/linsight/internal/tools"
	"github.com/mohammad-safakhou/linsight/models"
)

// Phase is the in-memory state of a running version. The persisted status is coarser.
type Phase string

const (
	PhaseNotStarted    Phase = "NOT_STARTED"
	PhasePlanning      Phase = "PLANNING"
	PhaseRunning       Phase = "RUNNING"
	PhaseAwaitingInput Phase = "AWAITING_INPUT"
	PhaseReplanning    Phase = "REPLANNING"
	PhaseCompleted     Phase = "COMPLETED"
	PhaseFailed        Phase = "FAILED"
	PhaseTerminated    Phase = "TERMINATED"
)

// Planner drafts and amends plans.
type Planner interface {
	Plan(ctx context.Context, req planner.Request) (planner.Plan, error)
	Replan(ctx context.Context, req planner.ReplanRequest) ([]planner.TaskSpec, llm.Usage, error)
}

// Runner executes one task.
type Runner interface {
	Run(ctx context.Context, run executor.Run) (executor.Outcome, error)
}

// ToolResolver binds descriptors for a version and drops them when it ends.
type ToolResolver interface {
	Resolve(ctx context.Context, versionID string, descs []tools.Descriptor) ([]tools.Tool, error)
	ReleaseVersion(versionID string)
}

// ToolCatalog maps selected tool keys to descriptors.
type ToolCatalog interface {
	Descriptors(ctx context.Context, keys []string) ([]tools.Descriptor, error)
}

// Store persists version and task state.
type Store interface {
	UpdateVersion(ctx context.Context, v *models.SessionVersion) error
	SaveTask(ctx context.Context, t *models.Task) error
}

// Refunder returns a consumed use to the user.
type Refunder interface {
	Refund(ctx context.Context, userID int64) error
}

// Deps are the collaborators of a Scheduler. Refunder may be nil.
type Deps struct {
	Planner  Planner
	Executor Runner
	Bus      eventbus.Bus
	Control  eventbus.ControlChannel
	Tools    ToolResolver
	Catalog  ToolCatalog
	Store    Store
	Refunder Refunder
	Logger   *log.Logger
}

// Scheduler runs versions. One Scheduler serves every version on a worker.
type Scheduler struct {
	deps   Deps
	cfg    config.SchedulerConfig
	logger *log.Logger

	mu     sync.RWMutex
	phases map[string]Phase
}

// New creates a scheduler.
func New(deps Deps, cfg config.SchedulerConfig) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[SCHED] ", log.LstdFlags)
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = config.DefaultParallelism
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = config.DefaultHardTimeout
	}
	return &Scheduler{deps: deps, cfg: cfg, logger: logger, phases: make(map[string]Phase)}
}

// Phase reports the live phase of a version running on this worker.
func (s *Scheduler) Phase(versionID string) (Phase, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.phases[versionID]
	return p, ok
}

func (s *Scheduler) setPhase(versionID string, p Phase) {
	s.mu.Lock()
	prev := s.phases[versionID]
	s.phases[versionID] = p
	s.mu.Unlock()
	if prev != p {
		s.logger.Printf("version=%s phase %s -> %s", versionID, prev, p)
	}
}

func (s *Scheduler) forget(versionID string) {
	s.mu.Lock()
	delete(s.phases, versionID)
	s.mu.Unlock()
}

// Run drives v from planning to its terminal event and returns the final status. The returned
// error is the fatal cause when the version failed for infrastructure reasons.
func (s *Scheduler) Run(ctx context.Context, v *models.SessionVersion) (models.VersionStatus, error) {
	listenCtx, stopListen := context.WithCancel(ctx)
	defer stopListen()
	controls, err := s.deps.Control.Listen(listenCtx, v.ID)
	if err != nil {
		s.logger.Printf("version=%s control channel unavailable: %v", v.ID, err)
		controls = nil
	}

	sess := newSession(s, v, controls)
	defer s.deps.Tools.ReleaseVersion(v.ID)
	defer s.forget(v.ID)

	activeSessions(ctx, 1)
	defer activeSessions(ctx, -1)
	return sess.run(ctx)
}
