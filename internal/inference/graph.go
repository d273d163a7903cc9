package inference

import (
	"fmt"
	"sort"
	"strings"

	"github.com/taskherd/taskherd/internal/contextstore"
	"github.com/taskherd/taskherd/internal/model"
)

// DependencyGraph is the resolved output of an inference run.
type DependencyGraph struct {
	Nodes map[string]model.Task `json:"nodes"`
	Edges []InferredDependency  `json:"edges"`
}

// NewGraph builds a graph over the given tasks. Edges referencing unknown
// tasks are dropped.
func NewGraph(tasks []model.Task, edges []InferredDependency) *DependencyGraph {
	g := &DependencyGraph{Nodes: taskByID(tasks)}
	for _, edge := range edges {
		_, okDependent := g.Nodes[edge.DependentTaskID]
		_, okDependency := g.Nodes[edge.DependencyTaskID]
		if okDependent && okDependency {
			g.Edges = append(g.Edges, edge)
		}
	}
	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].DependencyTaskID != g.Edges[j].DependencyTaskID {
			return g.Edges[i].DependencyTaskID < g.Edges[j].DependencyTaskID
		}
		return g.Edges[i].DependentTaskID < g.Edges[j].DependentTaskID
	})
	return g
}

// Dependents is the forward adjacency: dependency id to the tasks waiting
// on it.
func (g *DependencyGraph) Dependents() map[string][]string {
	adjacency := make(map[string][]string)
	for _, edge := range g.Edges {
		adjacency[edge.DependencyTaskID] = append(adjacency[edge.DependencyTaskID], edge.DependentTaskID)
	}
	return adjacency
}

// Dependencies is the reverse adjacency: dependent id to its dependencies.
func (g *DependencyGraph) Dependencies() map[string][]string {
	adjacency := make(map[string][]string)
	for _, edge := range g.Edges {
		adjacency[edge.DependentTaskID] = append(adjacency[edge.DependentTaskID], edge.DependencyTaskID)
	}
	return adjacency
}

// DependenciesOf lists the direct dependencies of one task.
func (g *DependencyGraph) DependenciesOf(taskID string) []string {
	var deps []string
	for _, edge := range g.Edges {
		if edge.DependentTaskID == taskID {
			deps = append(deps, edge.DependencyTaskID)
		}
	}
	sort.Strings(deps)
	return deps
}

// HasCycle reports whether any dependency cycle remains.
func (g *DependencyGraph) HasCycle() bool {
	return len(contextstore.FindCycles(g.Dependents())) > 0
}

// TopologicalOrder returns node ids in dependency order. ok is false when a
// cycle prevents a full ordering.
func (g *DependencyGraph) TopologicalOrder() (order []string, ok bool) {
	dependents := g.Dependents()
	indegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		indegree[id] = 0
	}
	for _, edge := range g.Edges {
		indegree[edge.DependentTaskID]++
	}

	var ready []string
	for id, degree := range indegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		var unblocked []string
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				unblocked = append(unblocked, next)
			}
		}
		sort.Strings(unblocked)
		ready = append(ready, unblocked...)
	}
	return order, len(order) == len(g.Nodes)
}

// CriticalPath is the longest weighted path through the graph, using each
// task's estimate (or 1 hour when unestimated) as its weight. It determines
// the minimum project duration.
func (g *DependencyGraph) CriticalPath() (path []string, hours float64) {
	order, ok := g.TopologicalOrder()
	if !ok {
		return nil, 0
	}

	weight := func(id string) float64 {
		if est := g.Nodes[id].EstimatedHours; est > 0 {
			return est
		}
		return 1
	}

	dependents := g.Dependents()
	distance := make(map[string]float64, len(order))
	parent := make(map[string]string, len(order))
	for _, id := range order {
		if _, ok := distance[id]; !ok {
			distance[id] = weight(id)
		}
		for _, next := range dependents[id] {
			if candidate := distance[id] + weight(next); candidate > distance[next] {
				distance[next] = candidate
				parent[next] = id
			}
		}
	}

	end := ""
	for _, id := range order {
		if end == "" || distance[id] > distance[end] {
			end = id
		}
	}
	if end == "" {
		return nil, 0
	}
	for id := end; id != ""; id = parent[id] {
		path = append([]string{id}, path...)
	}
	return path, distance[end]
}

// ValidationReport summarizes structural problems in a graph.
type ValidationReport struct {
	Issues        []string       `json:"issues"`
	Warnings      []string       `json:"warnings"`
	TaskCount     int            `json:"task_count"`
	EdgeCount     int            `json:"edge_count"`
	EdgesByMethod map[string]int `json:"edges_by_method"`
	LongestChain  int            `json:"longest_chain"`
}

// Validate checks the graph for cycles, deployment tasks missing a test
// dependency, over-long chains, and isolated tasks.
func (g *DependencyGraph) Validate(maxChainLength int) ValidationReport {
	report := ValidationReport{
		Issues:        []string{},
		Warnings:      []string{},
		TaskCount:     len(g.Nodes),
		EdgeCount:     len(g.Edges),
		EdgesByMethod: make(map[string]int),
	}
	for _, edge := range g.Edges {
		report.EdgesByMethod[edge.Method]++
	}

	for _, cycle := range contextstore.FindCycles(g.Dependents()) {
		report.Issues = append(report.Issues, fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")))
	}

	dependencies := g.Dependencies()
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	connected := make(map[string]bool)
	for _, edge := range g.Edges {
		connected[edge.DependentTaskID] = true
		connected[edge.DependencyTaskID] = true
	}

	for _, id := range ids {
		task := g.Nodes[id]
		if taskPhase(task) == 4 {
			hasTestDep := false
			for _, depID := range dependencies[id] {
				if taskPhase(g.Nodes[depID]) == 3 {
					hasTestDep = true
					break
				}
			}
			if !hasTestDep {
				report.Issues = append(report.Issues, fmt.Sprintf("deployment task %s has no test dependency", id))
			}
		}
		if len(g.Nodes) > 1 && !connected[id] && len(task.Dependencies) == 0 {
			report.Warnings = append(report.Warnings, fmt.Sprintf("task %s is isolated from the dependency graph", id))
		}
	}

	report.LongestChain = g.longestChain()
	if maxChainLength > 0 && report.LongestChain > maxChainLength {
		report.Warnings = append(report.Warnings, fmt.Sprintf("dependency chain of %d tasks exceeds %d", report.LongestChain, maxChainLength))
	}
	return report
}

// longestChain counts nodes on the longest path, ignoring weights.
func (g *DependencyGraph) longestChain() int {
	order, ok := g.TopologicalOrder()
	if !ok {
		return len(g.Nodes)
	}
	dependents := g.Dependents()
	length := make(map[string]int, len(order))
	longest := 0
	for _, id := range order {
		if length[id] == 0 {
			length[id] = 1
		}
		if length[id] > longest {
			longest = length[id]
		}
		for _, next := range dependents[id] {
			if length[id]+1 > length[next] {
				length[next] = length[id] + 1
			}
		}
	}
	return longest
}

// breakCycles deletes the weakest edge of each detected cycle until the
// graph is acyclic.
func breakCycles(edges map[edgeKey]InferredDependency) []string {
	var removed []string
	for {
		dependents := make(map[string][]string)
		for key := range edges {
			dependents[key.dependency] = append(dependents[key.dependency], key.dependent)
		}
		cycles := contextstore.FindCycles(dependents)
		if len(cycles) == 0 {
			return removed
		}

		cycle := cycles[0]
		var weakest edgeKey
		found := false
		for i, dependency := range cycle {
			dependent := cycle[(i+1)%len(cycle)]
			key := edgeKey{dependent: dependent, dependency: dependency}
			edge, ok := edges[key]
			if !ok {
				continue
			}
			if !found || edge.Confidence < edges[weakest].Confidence {
				weakest = key
				found = true
			}
		}
		if !found {
			return removed
		}
		removed = append(removed, fmt.Sprintf("%s -> %s", weakest.dependency, weakest.dependent))
		delete(edges, weakest)
	}
}

// reduceTransitive removes soft edges already implied by a longer path.
// Hard edges always stay.
func reduceTransitive(edges map[edgeKey]InferredDependency) {
	keys := make([]edgeKey, 0, len(edges))
	for key := range edges {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].dependency != keys[j].dependency {
			return keys[i].dependency < keys[j].dependency
		}
		return keys[i].dependent < keys[j].dependent
	})

	for _, key := range keys {
		edge, ok := edges[key]
		if !ok || edge.Type == DependencyHard {
			continue
		}
		if hasIndirectPath(edges, key) {
			delete(edges, key)
		}
	}
}

// hasIndirectPath reports whether the dependent is reachable from the
// dependency without using the direct edge.
func hasIndirectPath(edges map[edgeKey]InferredDependency, skip edgeKey) bool {
	dependents := make(map[string][]string)
	for key := range edges {
		if key == skip {
			continue
		}
		dependents[key.dependency] = append(dependents[key.dependency], key.dependent)
	}

	visited := map[string]bool{skip.dependency: true}
	queue := append([]string(nil), dependents[skip.dependency]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == skip.dependent {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		queue = append(queue, dependents[id]...)
	}
	return false
}
