package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/linsight/internal/budget"
	"github.com/mohammad-safakhou/linsight/internal/eventbus"
	"github.com/mohammad-safakhou/linsight/internal/executor"
	"github.com/mohammad-safakhou/linsight/internal/planner"
	"github.com/mohammad-safakhou/linsight/internal/queue/streams"
	"github.com/mohammad-safakhou/linsight/internal/retriever"
	"github.com/mohammad-safakhou/linsight/internal/tools"
	"github.com/mohammad-safakhou/linsight/internal/tools/builtin"
	"github.com/mohammad-safakhou/linsight/models"
)

// FinalArtifact is the FINAL_RESULT payload and the stored output of a completed version.
type FinalArtifact struct {
	Result string       `json:"result"`
	SOP    string       `json:"sop,omitempty"`
	Tasks  []TaskResult `json:"tasks,omitempty"`
}

type TaskResult struct {
	Ordinal int    `json:"ordinal"`
	Title   string `json:"title"`
	Result  string `json:"result"`
}

type taskDone struct {
	task *models.Task
	out  executor.Outcome
	err  error
}

// session is the state of one running version. Everything except the tasks handed to running
// executors is owned by the goroutine in run.
type session struct {
	s        *Scheduler
	version  *models.SessionVersion
	controls <-chan eventbus.Control
	logger   *log.Logger

	request planner.Request
	sop     string
	tree    *tree
	toolset map[string]tools.Tool
	budget  *budget.Monitor
	timer   *time.Timer

	running      map[string]bool
	done         chan taskDone
	cancel       chan struct{}
	cancelClosed bool
	stopReason   string // set by a user terminate or the hard timeout
	timedOut     bool
	fatal        error
	stepsRan     bool
}

func newSession(s *Scheduler, v *models.SessionVersion, controls <-chan eventbus.Control) *session {
	if v.Status == "" {
		v.Status = models.VersionNotStarted
	}
	return &session{
		s:        s,
		version:  v,
		controls: controls,
		logger:   s.logger,
		toolset:  make(map[string]tools.Tool),
		budget:   budget.NewMonitor(budget.Config{MaxTokens: s.cfg.MaxTokens, MaxTime: s.cfg.HardTimeout}),
		running:  make(map[string]bool),
		done:     make(chan taskDone, s.cfg.Parallelism),
		cancel:   make(chan struct{}),
	}
}

func (ss *session) run(ctx context.Context) (models.VersionStatus, error) {
	ctx, span := otel.Tracer("linsight/scheduler").Start(ctx, "scheduler.run")
	span.SetAttributes(attribute.String("version_id", ss.version.ID))
	defer span.End()

	ss.timer = time.NewTimer(ss.s.cfg.HardTimeout)
	defer ss.timer.Stop()

	if err := ss.start(ctx); err != nil {
		ss.setFatal(err)
	} else if ss.tree != nil {
		ss.loop(ctx)
	}
	status, err := ss.finish(context.WithoutCancel(ctx))
	span.SetAttributes(attribute.String("status", string(status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	versionFinished(ctx, status)
	return status, err
}

// start plans the version and publishes the tree.
func (ss *session) start(ctx context.Context) error {
	v := ss.version
	ss.s.setPhase(v.ID, PhasePlanning)
	if err := ss.setStatus(ctx, models.VersionInProgress); err != nil {
		return err
	}
	if err := ss.emit(ctx, eventbus.KindPlanStarted, eventbus.PlanStarted{Question: v.Question}); err != nil {
		return err
	}

	descs, err := ss.s.deps.Catalog.Descriptors(ctx, v.ToolKeys())
	if err != nil {
		return err
	}
	resolved, err := ss.s.deps.Tools.Resolve(tools.WithVersion(ctx, v.ID), v.ID, descs)
	if err != nil {
		return err
	}
	infos := make([]planner.ToolInfo, 0, len(resolved))
	for _, t := range resolved {
		ss.toolset[t.Name()] = t
		infos = append(infos, planner.ToolInfo{Key: t.Name(), Description: t.Description()})
	}
	ss.request = planner.RequestFromVersion(*v, infos, "")

	plan, err := ss.plan(ctx)
	if ss.stopReason != "" {
		return nil
	}
	if berr := ss.budget.Add("plan", plan.Usage.Total()); berr != nil && err == nil {
		err = berr
	}
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}

	ss.sop = plan.SOP
	v.SOP = plan.SOP
	if err := ss.s.deps.Store.UpdateVersion(ctx, v); err != nil {
		return fmt.Errorf("store sop: %w", err)
	}
	if err := ss.emit(ctx, eventbus.KindSOPReady, eventbus.SOPReady{SOP: plan.SOP}); err != nil {
		return err
	}
	ss.tree = buildTree(v.ID, plan.Tasks)
	for _, t := range ss.tree.tasks {
		if err := ss.save(ctx, t); err != nil {
			return err
		}
	}
	ss.logger.Printf("version=%s planned %d task(s), sop %d chars", v.ID, len(ss.tree.tasks), len(plan.SOP))
	return ss.emit(ctx, eventbus.KindTaskTreeReady, eventbus.TaskTreeReady{Tasks: ss.tree.nodes()})
}

// plan runs the planner while still honouring terminate and the hard timeout.
func (ss *session) plan(ctx context.Context) (planner.Plan, error) {
	planCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	type planned struct {
		plan planner.Plan
		err  error
	}
	result := make(chan planned, 1)
	go func() {
		p, err := ss.s.deps.Planner.Plan(planCtx, ss.request)
		result <- planned{p, err}
	}()
	for {
		select {
		case r := <-result:
			return r.plan, r.err
		case c, ok := <-ss.controls:
			if !ok {
				ss.controls = nil
				continue
			}
			if c.Type == streams.ControlTerminate {
				ss.terminate(c.Reason)
				cancel()
				continue
			}
			ss.logger.Printf("version=%s ignoring %s while planning", ss.version.ID, c.Type)
		case <-ss.timer.C:
			ss.timedOut = true
			ss.terminate("execution time limit reached")
			cancel()
		}
	}
}

func (ss *session) loop(ctx context.Context) {
	ctxDone := ctx.Done()
	for {
		if ss.active() {
			if err := ss.abortBlocked(ctx); err != nil {
				ss.setFatal(err)
			}
		}
		if ss.active() {
			if err := ss.dispatch(ctx); err != nil {
				ss.setFatal(err)
			}
		}
		if len(ss.running) == 0 {
			if !ss.active() {
				return
			}
			if !ss.awaitingInput() {
				ss.setFatal(ErrStalled)
				return
			}
		}
		if ss.active() {
			if ss.awaitingInput() {
				ss.s.setPhase(ss.version.ID, PhaseAwaitingInput)
			} else {
				ss.s.setPhase(ss.version.ID, PhaseRunning)
			}
		}

		select {
		case d := <-ss.done:
			ss.settle(ctx, d)
		case c, ok := <-ss.controls:
			if !ok {
				ss.controls = nil
				continue
			}
			if err := ss.handle(ctx, c); err != nil {
				ss.setFatal(err)
			}
		case <-ss.timer.C:
			ss.timedOut = true
			ss.terminate("execution time limit reached")
		case <-ctxDone:
			ctxDone = nil
			ss.setFatal(ctx.Err())
		}
	}
}

// active reports whether new work may still be started.
func (ss *session) active() bool {
	if ss.fatal != nil || ss.stopReason != "" {
		return false
	}
	root := ss.tree.root
	return ss.running[root.ID] || !root.Status.IsTerminal()
}

func (ss *session) awaitingInput() bool {
	for _, t := range ss.tree.tasks {
		if !t.Pruned && !ss.running[t.ID] && t.Status == models.TaskInput {
			return true
		}
	}
	return false
}

func (ss *session) settled(t *models.Task) bool { return !ss.running[t.ID] }

func (ss *session) depsSucceeded(t *models.Task) bool {
	for _, o := range t.DependsOn {
		dep := ss.tree.byOrdinal[o]
		if dep == nil || dep.Pruned || ss.running[dep.ID] || dep.Status != models.TaskSuccess {
			return false
		}
	}
	return true
}

// abortBlocked fails waiting tasks whose dependencies can no longer succeed, transitively.
func (ss *session) abortBlocked(ctx context.Context) error {
	for changed := true; changed; {
		changed = false
		for _, t := range ss.tree.tasks {
			if t.Pruned || ss.running[t.ID] || t.Status != models.TaskWaiting {
				continue
			}
			for _, o := range t.DependsOn {
				dep := ss.tree.byOrdinal[o]
				if dep != nil && (ss.running[dep.ID] || (!dep.Pruned && dep.Status != models.TaskFailed)) {
					continue
				}
				t.Status = models.TaskFailed
				t.Reason = dependencyReason(o, dep)
				if err := ss.save(ctx, t); err != nil {
					return err
				}
				if err := ss.emit(ctx, eventbus.KindTaskFailed, eventbus.TaskFailed{TaskID: t.ID, Reason: t.Reason}); err != nil {
					return err
				}
				ss.logger.Printf("version=%s task=%d aborted: %s", ss.version.ID, t.Ordinal, t.Reason)
				changed = true
				break
			}
		}
	}
	return nil
}

func (ss *session) dispatch(ctx context.Context) error {
	for _, t := range ss.tree.tasks {
		if len(ss.running) >= ss.s.cfg.Parallelism {
			return nil
		}
		if t.Pruned || ss.running[t.ID] {
			continue
		}
		if t.Status != models.TaskWaiting && t.Status != models.TaskInputOver {
			continue
		}
		if !ss.depsSucceeded(t) {
			continue
		}
		if err := ss.startTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (ss *session) startTask(ctx context.Context, t *models.Task) error {
	if t.Status == models.TaskWaiting {
		if err := ss.emit(ctx, eventbus.KindTaskStarted, eventbus.TaskStarted{TaskID: t.ID, Title: t.Title}); err != nil {
			return err
		}
	}
	run := executor.Run{
		VersionID:    ss.version.ID,
		Question:     ss.version.Question,
		SOP:          ss.sop,
		Task:         t,
		Tools:        ss.toolsFor(t),
		Dependencies: ss.dependencies(t),
		Inputs:       ss.tree.resolveInputs(t, ss.version.Question, ss.settled),
		Budget:       ss.budget,
		Cancel:       ss.cancel,
	}
	t.Status = models.TaskProcessing
	ss.running[t.ID] = true
	ss.logger.Printf("version=%s task=%d %q dispatched (%d running)", ss.version.ID, t.Ordinal, t.Title, len(ss.running))

	execCtx := tools.WithVersion(ctx, ss.version.ID)
	execCtx = builtin.WithScope(execCtx, builtin.Scope{Collections: knowledgeCollections(ss.version)})
	go func() {
		out, err := ss.s.deps.Executor.Run(execCtx, run)
		ss.done <- taskDone{task: t, out: out, err: err}
	}()
	return nil
}

// knowledgeCollections lists the retriever collections knowledge_search may read for v.
func knowledgeCollections(v *models.SessionVersion) []string {
	var out []string
	if v.OrgKnowledgeEnabled {
		out = append(out, retriever.CollectionOrgKnowledge)
	}
	if v.PersonalKnowledgeEnabled {
		out = append(out, retriever.UserKnowledgeCollection(strconv.FormatInt(v.UserID, 10)))
	}
	return out
}

func (ss *session) toolsFor(t *models.Task) []tools.Tool {
	var out []tools.Tool
	for _, key := range t.Tools {
		if tool, ok := ss.toolset[key]; ok {
			out = append(out, tool)
		}
	}
	return out
}

func (ss *session) dependencies(t *models.Task) []executor.Dependency {
	deps := make([]executor.Dependency, 0, len(t.DependsOn))
	for _, o := range t.DependsOn {
		if dep := ss.tree.byOrdinal[o]; dep != nil {
			deps = append(deps, executor.Dependency{Ordinal: dep.Ordinal, Title: dep.Title, Result: dep.Result})
		}
	}
	return deps
}

// settle takes a task back from its executor.
func (ss *session) settle(ctx context.Context, d taskDone) {
	t := d.task
	delete(ss.running, t.ID)
	if d.out.Steps > 0 {
		ss.stepsRan = true
	}
	if budget.IsTime(d.err) {
		ss.timedOut = true
		ss.terminate("execution time limit reached")
		return
	}
	if d.err != nil {
		ss.setFatal(fmt.Errorf("task %d: %w", t.Ordinal, d.err))
		return
	}
	switch d.out.Status {
	case executor.StatusTerminated:
		t.Status = models.TaskFailed
		t.Reason = d.out.Reason
		if err := ss.save(ctx, t); err != nil {
			ss.logger.Printf("version=%s task=%d save after terminate: %v", ss.version.ID, t.Ordinal, err)
		}
	case executor.StatusNeedsInput:
		ss.logger.Printf("version=%s task=%d waiting for user input", ss.version.ID, t.Ordinal)
	case executor.StatusFailed:
		ss.logger.Printf("version=%s task=%d failed: %s", ss.version.ID, t.Ordinal, d.out.Reason)
	default:
		ss.logger.Printf("version=%s task=%d succeeded after %d step(s), %d tokens", ss.version.ID, t.Ordinal, d.out.Steps, t.Tokens)
	}
}

func (ss *session) handle(ctx context.Context, c eventbus.Control) error {
	if c.Type == streams.ControlTerminate {
		ss.terminate(c.Reason)
		return nil
	}
	if !ss.active() {
		ss.logger.Printf("version=%s ignoring %s, version is finishing", ss.version.ID, c.Type)
		return nil
	}
	switch c.Type {
	case streams.ControlUserInput:
		return ss.answer(ctx, c)
	case streams.ControlSOPAmend:
		return ss.amend(ctx, c.Text)
	}
	ss.logger.Printf("version=%s unknown control %q", ss.version.ID, c.Type)
	return nil
}

// answer applies user values to the task waiting for them. Answers to a satisfied request are
// dropped so a re-delivered control is harmless.
func (ss *session) answer(ctx context.Context, c eventbus.Control) error {
	t := ss.tree.byID[c.TaskID]
	switch {
	case t == nil || t.Pruned:
		ss.logger.Printf("version=%s input for unknown task %s", ss.version.ID, c.TaskID)
		return nil
	case ss.running[t.ID], t.InputRequest == nil, t.InputRequest.Satisfied, t.Status != models.TaskInput:
		ss.logger.Printf("version=%s task=%d has no open input request, dropping answer", ss.version.ID, t.Ordinal)
		return nil
	}
	if missing := t.InputRequest.Missing(c.Values); len(missing) > 0 {
		ss.logger.Printf("version=%s task=%d answer is missing %v", ss.version.ID, t.Ordinal, missing)
		return nil
	}
	if n := len(t.Steps); n > 0 && t.Steps[n-1].Action != nil && t.Steps[n-1].Action.Tool == models.UserInputTool {
		t.Steps[n-1].Observation = executor.FormatAnswer(c.Values)
	}
	t.InputRequest.Satisfied = true
	t.InputRequest.Response = c.Values
	t.InputHistory = append(t.InputHistory, models.InputAnswer{RequestID: t.InputRequest.ID, Values: c.Values, At: time.Now().UTC()})
	t.Status = models.TaskInputOver
	if err := ss.save(ctx, t); err != nil {
		return err
	}
	ss.logger.Printf("version=%s task=%d received user input", ss.version.ID, t.Ordinal)
	return ss.emit(ctx, eventbus.KindUserInputReceived, eventbus.UserInputReceived{TaskID: t.ID})
}

// amend swaps the SOP and re-plans the tasks that have not started. A failed re-plan keeps the
// current tasks under the new SOP.
func (ss *session) amend(ctx context.Context, text string) error {
	v := ss.version
	root := ss.tree.root
	if ss.running[root.ID] || root.Status == models.TaskSuccess {
		ss.logger.Printf("version=%s %v: the final answer is already being composed", v.ID, ErrAmendRejected)
		return ss.emit(ctx, eventbus.KindErrorMessage, eventbus.ErrorMessage{
			Text: "The SOP can no longer be amended: the final answer is already being composed.",
			Code: CodeAmendRejected,
		})
	}
	ss.s.setPhase(v.ID, PhaseReplanning)
	ss.sop = text
	v.SOP = text
	if err := ss.s.deps.Store.UpdateVersion(ctx, v); err != nil {
		return fmt.Errorf("store sop: %w", err)
	}
	if err := ss.emit(ctx, eventbus.KindSOPReady, eventbus.SOPReady{SOP: text}); err != nil {
		return err
	}
	if !ss.tree.synthesised() {
		return nil
	}

	var (
		pruned    []*models.Task
		completed []planner.CompletedTask
		reserved  []int
		removed   []planner.RemovedTask
	)
	for _, t := range ss.tree.children() {
		switch {
		case t.Pruned:
			removed = append(removed, planner.RemovedTask{Ordinal: t.Ordinal, Title: t.Title})
		case !ss.running[t.ID] && t.Status == models.TaskSuccess:
			completed = append(completed, planner.CompletedTask{Ordinal: t.Ordinal, Title: t.Title, Result: t.Result})
		case !ss.running[t.ID] && t.Status == models.TaskWaiting:
			t.Pruned = true
			pruned = append(pruned, t)
			removed = append(removed, planner.RemovedTask{Ordinal: t.Ordinal, Title: t.Title})
		default:
			reserved = append(reserved, t.Ordinal)
		}
	}

	specs, usage, err := ss.s.deps.Planner.Replan(ctx, planner.ReplanRequest{
		Request:   ss.request,
		SOP:       text,
		Completed: completed,
		Reserved:  reserved,
		Removed:   removed,
	})
	if berr := ss.budget.Add("replan", usage.Total()); berr != nil {
		return berr
	}
	if err != nil {
		for _, t := range pruned {
			t.Pruned = false
		}
		ss.logger.Printf("version=%s re-plan failed, keeping current tasks: %v", v.ID, err)
		return nil
	}
	for _, t := range pruned {
		if err := ss.save(ctx, t); err != nil {
			return err
		}
	}
	added := ss.tree.graft(v.ID, specs)
	for _, t := range append(added, root) {
		if err := ss.save(ctx, t); err != nil {
			return err
		}
	}
	ss.logger.Printf("version=%s sop amended: pruned %d, added %d task(s)", v.ID, len(pruned), len(added))
	return ss.emit(ctx, eventbus.KindTaskTreeReady, eventbus.TaskTreeReady{Tasks: ss.tree.nodes()})
}

func (ss *session) terminate(reason string) {
	if reason == "" {
		reason = "terminated by user"
	}
	if ss.stopReason == "" {
		ss.stopReason = reason
		ss.s.setPhase(ss.version.ID, PhaseTerminated)
		ss.logger.Printf("version=%s terminating: %s", ss.version.ID, reason)
	}
	ss.closeCancel()
}

func (ss *session) setFatal(err error) {
	if ss.fatal == nil {
		ss.fatal = err
		ss.logger.Printf("version=%s fatal: %v", ss.version.ID, err)
	}
	ss.closeCancel()
}

func (ss *session) closeCancel() {
	if !ss.cancelClosed {
		close(ss.cancel)
		ss.cancelClosed = true
	}
}

// finish records the outcome and closes the event stream with exactly one terminal event.
func (ss *session) finish(ctx context.Context) (models.VersionStatus, error) {
	switch {
	case ss.fatal != nil:
		return ss.finishFailed(ctx, Classify(ss.fatal), ss.fatal)
	case ss.tree != nil && ss.tree.root.Status == models.TaskSuccess:
		return ss.finishCompleted(ctx)
	case ss.stopReason != "":
		return ss.finishTerminated(ctx)
	case ss.tree != nil && ss.tree.root.Status == models.TaskFailed:
		reason := ss.tree.root.Reason
		return ss.finishFailed(ctx, Classification{ClassFatal, CodeTaskFailed, "The task could not be completed: " + reason}, nil)
	}
	return ss.finishFailed(ctx, Classify(ErrStalled), ErrStalled)
}

func (ss *session) finishCompleted(ctx context.Context) (models.VersionStatus, error) {
	v := ss.version
	root := ss.tree.root
	artifact := FinalArtifact{Result: root.Result, SOP: ss.sop}
	for _, t := range ss.tree.children() {
		if !t.Pruned && t.Status == models.TaskSuccess {
			artifact.Tasks = append(artifact.Tasks, TaskResult{Ordinal: t.Ordinal, Title: t.Title, Result: t.Result})
		}
	}
	raw, err := json.Marshal(artifact)
	if err != nil {
		return ss.finishFailed(ctx, Classify(err), err)
	}
	v.OutputResult = raw
	if err := ss.setStatus(ctx, models.VersionCompleted); err != nil {
		return ss.finishFailed(ctx, Classify(err), err)
	}
	ss.s.setPhase(v.ID, PhaseCompleted)
	if _, err := ss.s.deps.Bus.Close(ctx, v.ID, eventbus.KindFinalResult, eventbus.FinalResult{Artifact: artifact}); err != nil {
		ss.logger.Printf("version=%s close stream: %v", v.ID, err)
		return models.VersionCompleted, err
	}
	ss.logger.Printf("version=%s completed, %d tokens", v.ID, ss.budget.Tokens())
	return models.VersionCompleted, nil
}

func (ss *session) finishTerminated(ctx context.Context) (models.VersionStatus, error) {
	v := ss.version
	if err := ss.setStatus(ctx, models.VersionTerminated); err != nil {
		ss.logger.Printf("version=%s store terminated status: %v", v.ID, err)
	}
	ss.s.setPhase(v.ID, PhaseTerminated)
	if ss.timedOut {
		if err := ss.emit(ctx, eventbus.KindErrorMessage, eventbus.ErrorMessage{Text: Classify(context.DeadlineExceeded).Message, Code: CodeTimeout}); err != nil {
			ss.logger.Printf("version=%s %v", v.ID, err)
		}
	}
	if !ss.stepsRan && ss.s.deps.Refunder != nil {
		if err := ss.s.deps.Refunder.Refund(ctx, v.UserID); err != nil {
			ss.logger.Printf("version=%s refund for user %d failed: %v", v.ID, v.UserID, err)
		} else {
			ss.logger.Printf("version=%s terminated before any step, refunded user %d", v.ID, v.UserID)
		}
	}
	if _, err := ss.s.deps.Bus.Close(ctx, v.ID, eventbus.KindTaskTerminated, eventbus.TaskTerminated{Reason: ss.stopReason, Status: string(models.VersionTerminated)}); err != nil {
		ss.logger.Printf("version=%s close stream: %v", v.ID, err)
		return models.VersionTerminated, err
	}
	return models.VersionTerminated, nil
}

func (ss *session) finishFailed(ctx context.Context, c Classification, cause error) (models.VersionStatus, error) {
	v := ss.version
	if err := ss.setStatus(ctx, models.VersionFailed); err != nil {
		ss.logger.Printf("version=%s store failed status: %v", v.ID, err)
	}
	ss.s.setPhase(v.ID, PhaseFailed)
	if err := ss.emit(ctx, eventbus.KindErrorMessage, eventbus.ErrorMessage{Text: c.Message, Code: c.Code}); err != nil {
		ss.logger.Printf("version=%s %v", v.ID, err)
	}
	if _, err := ss.s.deps.Bus.Close(ctx, v.ID, eventbus.KindTaskTerminated, eventbus.TaskTerminated{Reason: c.Message, Status: string(models.VersionFailed)}); err != nil {
		ss.logger.Printf("version=%s close stream: %v", v.ID, err)
		if cause == nil {
			cause = err
		}
	}
	return models.VersionFailed, cause
}

func (ss *session) setStatus(ctx context.Context, to models.VersionStatus) error {
	v := ss.version
	if v.Status == to {
		return nil
	}
	if !v.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, v.Status, to)
	}
	v.Status = to
	v.UpdatedAt = time.Now().UTC()
	if err := ss.s.deps.Store.UpdateVersion(ctx, v); err != nil {
		return fmt.Errorf("store version status: %w", err)
	}
	return nil
}

func (ss *session) emit(ctx context.Context, kind eventbus.Kind, payload interface{}) error {
	if _, err := ss.s.deps.Bus.Append(ctx, ss.version.ID, kind, payload); err != nil {
		return fmt.Errorf("append %s: %w", kind, err)
	}
	return nil
}

func (ss *session) save(ctx context.Context, t *models.Task) error {
	t.UpdatedAt = time.Now().UTC()
	if err := ss.s.deps.Store.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("save task %d: %w", t.Ordinal, err)
	}
	return nil
}
