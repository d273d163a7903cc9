package contextstore

import (
	"context"
	"sort"
	"strings"

	"github.com/taskherd/taskherd/internal/bus"
	"github.com/taskherd/taskherd/internal/model"
)

// keywordRule pairs dependent-side keywords with dependency-side keywords.
// Task A depends on task B when A matches the left set and B the right set.
type keywordRule struct {
	dependent  []string
	dependency []string
}

var baselineRules = []keywordRule{
	{dependent: []string{"frontend", "ui", "client"}, dependency: []string{"backend", "api", "server"}},
	{dependent: []string{"test", "spec"}, dependency: []string{"implement", "feature", "api"}},
	{dependent: []string{"integration", "e2e"}, dependency: []string{"component", "service", "module"}},
	{dependent: []string{"docs", "documentation"}, dependency: []string{"implement", "feature"}},
}

func taskText(t model.Task) string {
	parts := append([]string{strings.ToLower(t.Name)}, t.Labels...)
	return strings.ToLower(strings.Join(parts, " "))
}

func matchesAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

// AnalyzeDependencies returns reverse adjacency over the task set: each key
// is a dependency and the value lists the tasks that depend on it. Explicit
// task dependencies are always included; keyword rules add implicit edges
// when inferImplicit is set.
func (c *ContextStore) AnalyzeDependencies(ctx context.Context, tasks []model.Task, inferImplicit bool) map[string][]string {
	dependents := make(map[string][]string)
	seen := make(map[[2]string]bool)
	add := func(dependencyID, dependentID string) {
		pair := [2]string{dependencyID, dependentID}
		if dependencyID == dependentID || seen[pair] {
			return
		}
		seen[pair] = true
		dependents[dependencyID] = append(dependents[dependencyID], dependentID)
	}

	for _, t := range tasks {
		for _, depID := range t.Dependencies {
			add(depID, t.ID)
		}
	}

	if inferImplicit {
		for _, a := range tasks {
			textA := taskText(a)
			for _, b := range tasks {
				if a.ID == b.ID {
					continue
				}
				textB := taskText(b)
				for _, rule := range baselineRules {
					if matchesAny(textA, rule.dependent) && matchesAny(textB, rule.dependency) {
						add(b.ID, a.ID)
						break
					}
				}
			}
		}
	}

	if cycles := FindCycles(dependents); len(cycles) > 0 {
		c.events.Publish(ctx, bus.EventWarning, source, map[string]any{
			"message": "dependency cycles detected",
			"cycles":  len(cycles),
		}, nil)
	}
	return dependents
}

// SuggestTaskOrder returns a topological ordering over explicit and inferred
// dependencies, breaking ties by priority. Tasks caught in a cycle are
// appended afterwards in priority order rather than blocking the result.
func (c *ContextStore) SuggestTaskOrder(ctx context.Context, tasks []model.Task) []model.Task {
	dependents := c.AnalyzeDependencies(ctx, tasks, true)

	byID := make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	// In-degree is the number of unfinished dependencies of each task.
	indegree := make(map[string]int, len(tasks))
	for _, t := range tasks {
		indegree[t.ID] = 0
	}
	for depID, ids := range dependents {
		if _, ok := byID[depID]; !ok {
			continue
		}
		for _, id := range ids {
			if _, ok := byID[id]; ok {
				indegree[id]++
			}
		}
	}

	ordered := make([]model.Task, 0, len(tasks))
	remaining := len(tasks)
	done := make(map[string]bool, len(tasks))

	for remaining > 0 {
		var available []model.Task
		for _, t := range tasks {
			if !done[t.ID] && indegree[t.ID] == 0 {
				available = append(available, t)
			}
		}
		if len(available) == 0 {
			// Cycle: emit the rest in priority order.
			var rest []model.Task
			for _, t := range tasks {
				if !done[t.ID] {
					rest = append(rest, t)
				}
			}
			sortByPriority(rest)
			ordered = append(ordered, rest...)
			break
		}
		sortByPriority(available)
		next := available[0]
		done[next.ID] = true
		remaining--
		ordered = append(ordered, next)
		for _, id := range dependents[next.ID] {
			if _, ok := byID[id]; ok {
				indegree[id]--
			}
		}
	}
	return ordered
}

func sortByPriority(tasks []model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority.Rank() != tasks[j].Priority.Rank() {
			return tasks[i].Priority.Rank() > tasks[j].Priority.Rank()
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// FindCycles reports simple cycles in the reverse adjacency map as node
// sequences. Detection never blocks operation; callers surface cycles as
// warnings and leave resolution to the inference layer.
func FindCycles(dependents map[string][]string) [][]string {
	var cycles [][]string
	state := make(map[string]int) // 0 unvisited, 1 on stack, 2 done
	var stack []string

	var visit func(node string)
	visit = func(node string) {
		state[node] = 1
		stack = append(stack, node)
		for _, next := range dependents[node] {
			switch state[next] {
			case 0:
				visit(next)
			case 1:
				for i, n := range stack {
					if n == next {
						cycle := append([]string(nil), stack[i:]...)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = 2
	}

	nodes := make([]string, 0, len(dependents))
	for node := range dependents {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		if state[node] == 0 {
			visit(node)
		}
	}
	return cycles
}
