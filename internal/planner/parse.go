package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/linsight/internal/helpers"
	"github.com/mohammad-safakhou/linsight/models"
)

// taskArray unwraps {"tasks": [...]} and returns the raw array.
func taskArray(candidate string) ([]byte, bool) {
	trimmed := strings.TrimSpace(candidate)
	if strings.HasPrefix(trimmed, "[") {
		return []byte(trimmed), true
	}
	var wrapper struct {
		Tasks json.RawMessage `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapper); err != nil || len(wrapper.Tasks) == 0 {
		return nil, false
	}
	return wrapper.Tasks, true
}

// reservedOrdinals maps ordinals a re-plan may not reuse to whether new tasks may depend on
// them. Tasks pruned by an amendment stay reserved but are not dependable.
type reservedOrdinals map[int]bool

func (r reservedOrdinals) taken(o int) bool {
	_, ok := r[o]
	return ok
}

func (r reservedOrdinals) dependable(o int) bool { return r[o] }

// parseTasks extracts a decomposition from a model reply. When the reply holds several
// proposals the later one wins. fixed holds ordinals that already exist during a re-plan;
// new ordinals without an explicit value are numbered after them.
func parseTasks(reply string, allowed map[string]bool, fixed reservedOrdinals) ([]TaskSpec, error) {
	candidates := helpers.JSONValues(reply)
	var lastErr error
	for i := len(candidates) - 1; i >= 0; i-- {
		raw, ok := taskArray(candidates[i])
		if !ok {
			continue
		}
		tasks, err := decodeTasks(raw, allowed, fixed)
		if err == nil {
			return tasks, nil
		}
		if lastErr == nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("no JSON task array found in response")
}

func decodeTasks(raw []byte, allowed map[string]bool, fixed reservedOrdinals) ([]TaskSpec, error) {
	if err := validateTaskDocument(raw); err != nil {
		return nil, err
	}
	var tasks []TaskSpec
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	tasks = normalizeTasks(tasks, fixed)
	if errs := validateTasks(tasks, allowed, fixed); len(errs) > 0 {
		return nil, errs
	}
	return tasks, nil
}

func normalizeTasks(tasks []TaskSpec, fixed reservedOrdinals) []TaskSpec {
	base := 0
	for o := range fixed {
		if o > base {
			base = o
		}
	}
	out := make([]TaskSpec, len(tasks))
	for i, t := range tasks {
		if t.Ordinal == 0 {
			t.Ordinal = base + i + 1
		}
		t.Title = strings.TrimSpace(t.Title)
		t.Profile = strings.TrimSpace(t.Profile)
		t.Tools = cleanTools(t.Tools)
		t.DependsOn = uniqueInts(t.DependsOn)
		out[i] = t
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

func cleanTools(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, k := range in {
		k = strings.TrimSpace(k)
		if k == "" || k == models.UserInputTool || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func uniqueInts(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

// validateTasks checks ordinals, dependencies and tool keys.
func validateTasks(tasks []TaskSpec, allowed map[string]bool, fixed reservedOrdinals) ValidationErrors {
	var errs ValidationErrors
	byOrdinal := make(map[int]TaskSpec, len(tasks))
	for _, t := range tasks {
		if _, dup := byOrdinal[t.Ordinal]; dup {
			errs = append(errs, ValidationError{Ordinal: t.Ordinal, Message: "duplicate ordinal"})
			continue
		}
		if fixed.taken(t.Ordinal) {
			msg := "ordinal is already used by a completed task"
			if !fixed.dependable(t.Ordinal) {
				msg = "ordinal belongs to a removed task"
			}
			errs = append(errs, ValidationError{Ordinal: t.Ordinal, Message: msg})
			continue
		}
		byOrdinal[t.Ordinal] = t
	}

	if cycle := findCycle(tasks); len(cycle) > 0 {
		parts := make([]string, len(cycle))
		for i, o := range cycle {
			parts[i] = fmt.Sprint(o)
		}
		errs = append(errs, ValidationError{Message: "dependency cycle " + strings.Join(parts, " -> ")})
	}

	for _, t := range tasks {
		for _, d := range t.DependsOn {
			switch {
			case d == t.Ordinal:
				errs = append(errs, ValidationError{Ordinal: t.Ordinal, Message: "depends on itself"})
			case fixed.dependable(d):
			case fixed.taken(d):
				errs = append(errs, ValidationError{Ordinal: t.Ordinal, Message: fmt.Sprintf("depends on task %d which was removed by the amendment", d)})
			case !hasOrdinal(byOrdinal, d):
				errs = append(errs, ValidationError{Ordinal: t.Ordinal, Message: fmt.Sprintf("depends on unknown task %d", d)})
			case d > t.Ordinal:
				errs = append(errs, ValidationError{Ordinal: t.Ordinal, Message: fmt.Sprintf("depends on task %d which is not a prior task", d)})
			}
		}
		for _, k := range t.Tools {
			if !allowed[k] {
				errs = append(errs, ValidationError{Ordinal: t.Ordinal, Message: fmt.Sprintf("tool %q is not available", k)})
			}
		}
	}
	return errs
}

func hasOrdinal(m map[int]TaskSpec, o int) bool {
	_, ok := m[o]
	return ok
}

// findCycle returns the ordinals of one dependency cycle, closed on its first element.
func findCycle(tasks []TaskSpec) []int {
	deps := make(map[int][]int, len(tasks))
	for _, t := range tasks {
		deps[t.Ordinal] = t.DependsOn
	}
	const (
		unvisited = iota
		active
		done
	)
	state := make(map[int]int, len(tasks))
	var path []int
	var visit func(o int) []int
	visit = func(o int) []int {
		state[o] = active
		path = append(path, o)
		for _, d := range deps[o] {
			if _, known := deps[d]; !known || d == o {
				continue
			}
			switch state[d] {
			case active:
				for i, p := range path {
					if p == d {
						cycle := append([]int(nil), path[i:]...)
						return append(cycle, d)
					}
				}
			case unvisited:
				if c := visit(d); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		state[o] = done
		return nil
	}
	for _, t := range tasks {
		if state[t.Ordinal] == unvisited {
			if c := visit(t.Ordinal); c != nil {
				return c
			}
		}
	}
	return nil
}
