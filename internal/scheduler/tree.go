package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/linsight/internal/eventbus"
	"github.com/mohammad-safakhou/linsight/internal/planner"
	"github.com/mohammad-safakhou/linsight/models"
)

const (
	synthesisTitle   = "Compose the final answer"
	synthesisProfile = "Combine the results of the prior tasks into one complete answer to the question."
)

// tree is the task tree of one version. Only the session loop touches it.
type tree struct {
	root      *models.Task
	tasks     []*models.Task // every task including pruned ones, root last
	byID      map[string]*models.Task
	byOrdinal map[int]*models.Task
}

// buildTree turns planned tasks into a tree. A single task is the root itself; several tasks
// hang under a synthesis root that depends on all of them.
func buildTree(versionID string, specs []planner.TaskSpec) *tree {
	t := &tree{byID: map[string]*models.Task{}, byOrdinal: map[int]*models.Task{}}
	if len(specs) == 1 {
		t.root = newTask(versionID, "", specs[0])
		t.add(t.root)
		return t
	}
	t.root = &models.Task{
		ID:        uuid.NewString(),
		VersionID: versionID,
		Ordinal:   0,
		Title:     synthesisTitle,
		Profile:   synthesisProfile,
		Status:    models.TaskWaiting,
		UpdatedAt: time.Now().UTC(),
	}
	for _, spec := range specs {
		t.add(newTask(versionID, t.root.ID, spec))
	}
	t.add(t.root)
	t.rewireRoot()
	return t
}

func newTask(versionID, parentID string, spec planner.TaskSpec) *models.Task {
	return &models.Task{
		ID:           uuid.NewString(),
		VersionID:    versionID,
		ParentID:     parentID,
		Ordinal:      spec.Ordinal,
		Title:        spec.Title,
		Profile:      spec.Profile,
		Tools:        spec.Tools,
		DependsOn:    spec.DependsOn,
		Inputs:       spec.Inputs,
		OutputSchema: spec.OutputSchema,
		Status:       models.TaskWaiting,
		UpdatedAt:    time.Now().UTC(),
	}
}

func (t *tree) add(task *models.Task) {
	t.tasks = append(t.tasks, task)
	t.byID[task.ID] = task
	t.byOrdinal[task.Ordinal] = task
}

// graft inserts re-planned tasks under the synthesis root and points the root at them.
func (t *tree) graft(versionID string, specs []planner.TaskSpec) []*models.Task {
	added := make([]*models.Task, 0, len(specs))
	rest := t.tasks[: len(t.tasks)-1 : len(t.tasks)-1]
	for _, spec := range specs {
		task := newTask(versionID, t.root.ID, spec)
		added = append(added, task)
		rest = append(rest, task)
		t.byID[task.ID] = task
		t.byOrdinal[task.Ordinal] = task
	}
	t.tasks = append(rest, t.root)
	t.rewireRoot()
	return added
}

func (t *tree) rewireRoot() {
	var deps []int
	for _, task := range t.children() {
		if !task.Pruned {
			deps = append(deps, task.Ordinal)
		}
	}
	sort.Ints(deps)
	t.root.DependsOn = deps
}

// synthesised reports whether the root is a synthesis task over planned children.
func (t *tree) synthesised() bool { return len(t.tasks) > 1 }

func (t *tree) children() []*models.Task {
	if len(t.tasks) == 0 {
		return nil
	}
	return t.tasks[:len(t.tasks)-1]
}

// nodes lists the non-pruned tasks for TASK_TREE_READY. Only immutable fields are read.
func (t *tree) nodes() []eventbus.TaskNode {
	out := make([]eventbus.TaskNode, 0, len(t.tasks))
	for _, task := range t.tasks {
		if task.Pruned {
			continue
		}
		out = append(out, eventbus.TaskNode{
			TaskID:    task.ID,
			ParentID:  task.ParentID,
			Ordinal:   task.Ordinal,
			Title:     task.Title,
			Profile:   task.Profile,
			Tools:     task.Tools,
			DependsOn: task.DependsOn,
		})
	}
	return out
}

// resolveInputs maps a task's declared inputs to concrete values. "task:<n>" takes the result of
// task n and "question" the user's question; anything else is passed through as written.
// settled guards against reading tasks that are still running.
func (t *tree) resolveInputs(task *models.Task, question string, settled func(*models.Task) bool) map[string]string {
	if len(task.Inputs) == 0 {
		return nil
	}
	out := make(map[string]string, len(task.Inputs))
	for name, ref := range task.Inputs {
		ref = strings.TrimSpace(ref)
		switch {
		case strings.EqualFold(ref, "question"):
			out[name] = question
		case strings.HasPrefix(strings.ToLower(ref), "task:"):
			n, err := strconv.Atoi(strings.TrimSpace(ref[len("task:"):]))
			if dep, ok := t.byOrdinal[n]; err == nil && ok && settled(dep) && dep.Status == models.TaskSuccess {
				out[name] = dep.Result
			} else {
				out[name] = ref
			}
		default:
			out[name] = ref
		}
	}
	return out
}

func dependencyReason(ordinal int, dep *models.Task) string {
	if dep == nil {
		return fmt.Sprintf("dependency %d does not exist", ordinal)
	}
	return fmt.Sprintf("dependency %d (%s) failed", ordinal, dep.Title)
}
