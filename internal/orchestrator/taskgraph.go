package orchestrator

import (
	"slices"
	"sort"

	"github.com/haizhouyuan/tmuxagent/internal/config"
	"github.com/haizhouyuan/tmuxagent/internal/state"
)

// CircularDependency is the blocker given to every branch on a cycle.
const CircularDependency = "circular dependency"

// ResolvedTask is the dependency verdict for one branch.
type ResolvedTask struct {
	Branch    string
	Completed bool
	Eligible  bool
	OnCycle   bool
	// Blockers lists uncompleted dependencies in declared order, or the
	// circular dependency marker.
	Blockers []string
}

// Resolve evaluates the dependency graph of tasks. phases maps branch to
// its current phase for task and non-task branches alike; a dependency with
// no known phase is not completed.
func Resolve(tasks []config.TaskSpec, phases map[string]string, completionPhase string) map[string]ResolvedTask {
	deps := make(map[string][]string, len(tasks))
	order := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if _, dup := deps[t.Branch]; dup {
			continue
		}
		order = append(order, t.Branch)
		deps[t.Branch] = dedupe(t.DependsOn)
	}

	onCycle := findCycles(order, deps)
	completed := func(branch string) bool {
		phase, ok := phases[branch]
		return ok && completionPhase != "" && phase == completionPhase
	}

	out := make(map[string]ResolvedTask, len(order))
	for _, branch := range order {
		rt := ResolvedTask{Branch: branch, Completed: completed(branch)}
		switch {
		case onCycle[branch]:
			rt.OnCycle = true
			rt.Blockers = []string{CircularDependency}
		default:
			for _, dep := range deps[branch] {
				if !completed(dep) {
					rt.Blockers = append(rt.Blockers, dep)
				}
			}
		}
		rt.Eligible = len(rt.Blockers) == 0
		out[branch] = rt
	}
	return out
}

// findCycles runs a DFS over deps and returns every node that lies on a
// cycle. Nodes outside deps are leaves.
func findCycles(order []string, deps map[string][]string) map[string]bool {
	const (
		unvisited = iota
		onPath
		done
	)
	color := make(map[string]int, len(order))
	cyclic := make(map[string]bool)
	var path []string

	var visit func(node string)
	visit = func(node string) {
		color[node] = onPath
		path = append(path, node)
		for _, dep := range deps[node] {
			if _, known := deps[dep]; !known {
				continue
			}
			switch color[dep] {
			case unvisited:
				visit(dep)
			case onPath:
				start := slices.Index(path, dep)
				for _, n := range path[start:] {
					cyclic[n] = true
				}
			}
		}
		path = path[:len(path)-1]
		color[node] = done
	}

	for _, node := range order {
		if color[node] == unvisited {
			visit(node)
		}
	}
	return cyclic
}

func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// MergeTask folds the static plan of task into meta and reports whether
// anything changed. Tags become the sorted union of both sides.
func MergeTask(meta *state.Metadata, task config.TaskSpec) bool {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	setList := func(dst *[]string, v []string) {
		if len(v) > 0 && !slices.Equal(*dst, v) {
			*dst = slices.Clone(v)
			changed = true
		}
	}

	set(&meta.Title, task.Title)
	set(&meta.Responsible, task.Responsible)
	set(&meta.RequirementsDoc, task.RequirementsDoc)
	set(&meta.Worktree, task.Worktree)
	setList(&meta.DependsOn, dedupe(task.DependsOn))
	setList(&meta.PhasePlan, task.Phases)

	if len(task.Tags) > 0 {
		union := dedupe(append(slices.Clone(meta.Tags), task.Tags...))
		sort.Strings(union)
		if !slices.Equal(meta.Tags, union) {
			meta.Tags = union
			changed = true
		}
	}
	return changed
}
