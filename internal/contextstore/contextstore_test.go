package contextstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskherd/taskherd/internal/bus"
	"github.com/taskherd/taskherd/internal/model"
)

func newStore(t *testing.T) *ContextStore {
	t.Helper()
	return New(bus.New(), nil)
}

func TestAddImplementation_IndexesPatterns(t *testing.T) {
	t.Parallel()

	c := newStore(t)
	ctx := context.Background()

	c.AddImplementation(ctx, "task-1", map[string]any{
		"apis": []any{"/users"},
		"patterns": []any{
			map[string]any{"type": "repository", "entity": "User"},
			map[string]any{"type": "migration"},
			map[string]any{"entity": "untyped, skipped"},
		},
	})

	got := c.GetContext(ctx, "task-2", []string{"task-1"})
	require.Contains(t, got.PreviousImplementations, "task-1")
	assert.Len(t, got.RelatedPatterns["repository"], 1)
	assert.Len(t, got.RelatedPatterns["migration"], 1)
	assert.NotContains(t, got.RelatedPatterns, "")
}

func TestGetContext_CapsPatternsAndDecisions(t *testing.T) {
	t.Parallel()

	c := newStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.AddImplementation(ctx, fmt.Sprintf("task-%d", i), map[string]any{
			"patterns": []any{map[string]any{"type": "endpoint", "n": i}},
		})
	}
	for i := 0; i < 8; i++ {
		c.LogDecision(ctx, "agent-1", "task-0", "use postgres", "fits", "affects task-X")
	}

	got := c.GetContext(ctx, "task-X", []string{"task-0"})
	assert.Len(t, got.RelatedPatterns["endpoint"], 3)
	assert.Len(t, got.ArchitecturalDecisions, 5)
}

func TestLogDecision_AssignsMonotonicIDs(t *testing.T) {
	t.Parallel()

	c := newStore(t)
	ctx := context.Background()
	d1 := c.LogDecision(ctx, "agent-1", "task-1", "split service", "too big", "")
	d2 := c.LogDecision(ctx, "agent-1", "task-1", "add cache", "latency", "")
	assert.Equal(t, "decision_1", d1.DecisionID)
	assert.Equal(t, "decision_2", d2.DecisionID)

	decisions := c.DecisionsForTask("task-1")
	assert.Len(t, decisions, 2)
}

func TestGetContext_MatchesDecisionsByImpactText(t *testing.T) {
	t.Parallel()

	c := newStore(t)
	ctx := context.Background()
	c.LogDecision(ctx, "agent-1", "other-task", "expose gRPC", "perf", "changes contract for task-42")

	got := c.GetContext(ctx, "task-42", nil)
	require.Len(t, got.ArchitecturalDecisions, 1)
	assert.Equal(t, "expose gRPC", got.ArchitecturalDecisions[0].What)
}

func TestAnalyzeDependencies_ExplicitAndImplicit(t *testing.T) {
	t.Parallel()

	c := newStore(t)
	ctx := context.Background()
	tasks := []model.Task{
		{ID: "api", Name: "Implement User API", Labels: []string{"backend"}},
		{ID: "ui", Name: "Build dashboard frontend", Labels: []string{"ui"}},
		{ID: "tests", Name: "Write API tests", Labels: []string{"test"}, Dependencies: []string{"api"}},
	}

	dependents := c.AnalyzeDependencies(ctx, tasks, true)
	// api is a dependency of both the explicit tests edge and the inferred ui edge.
	assert.ElementsMatch(t, []string{"tests", "ui"}, dependents["api"])
	assert.Empty(t, dependents["ui"])
}

func TestAnalyzeDependencies_ExplicitOnly(t *testing.T) {
	t.Parallel()

	c := newStore(t)
	tasks := []model.Task{
		{ID: "api", Name: "Implement User API"},
		{ID: "ui", Name: "Build frontend", Dependencies: []string{"api"}},
	}
	dependents := c.AnalyzeDependencies(context.Background(), tasks, false)
	assert.Equal(t, map[string][]string{"api": {"ui"}}, dependents)
}

func TestSuggestTaskOrder_TopologicalWithPriorityTies(t *testing.T) {
	t.Parallel()

	c := newStore(t)
	tasks := []model.Task{
		{ID: "low", Name: "Cleanup scripts", Priority: model.PriorityLow},
		{ID: "urgent", Name: "Fix login outage", Priority: model.PriorityUrgent},
		{ID: "dependent", Name: "Ship release notes", Priority: model.PriorityHigh, Dependencies: []string{"urgent"}},
	}

	ordered := c.SuggestTaskOrder(context.Background(), tasks)
	require.Len(t, ordered, 3)
	assert.Equal(t, "urgent", ordered[0].ID)
	assert.Equal(t, "dependent", ordered[1].ID)
	assert.Equal(t, "low", ordered[2].ID)
}

func TestFindCycles_ReportsSimpleCycle(t *testing.T) {
	t.Parallel()

	dependents := map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	}
	cycles := FindCycles(dependents)
	require.Len(t, cycles, 1)
	assert.Len(t, cycles[0], 3)
}

func TestClearOldData_KeepsRecentDecisions(t *testing.T) {
	t.Parallel()

	c := newStore(t)
	ctx := context.Background()
	c.LogDecision(ctx, "agent-1", "task-1", "keep", "recent", "")
	c.ClearOldData(ctx, 30)
	assert.Len(t, c.DecisionsForTask("task-1"), 1)
}
