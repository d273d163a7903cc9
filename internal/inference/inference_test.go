package inference

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskherd/taskherd/internal/model"
)

func patternOnly(t *testing.T) *Inferer {
	t.Helper()
	cfg, err := PresetConfig("pattern_only")
	require.NoError(t, err)
	inf, err := New(cfg)
	require.NoError(t, err)
	return inf
}

func pipelineTasks() []model.Task {
	return []model.Task{
		{ID: "t1", Name: "Design DB schema", Labels: []string{"design"}},
		{ID: "t2", Name: "Implement User API", Labels: []string{"api", "backend"}},
		{ID: "t3", Name: "Test User API", Labels: []string{"test"}},
		{ID: "t4", Name: "Deploy to Production", Labels: []string{"deploy"}},
	}
}

func TestInferDependencies_PipelineOrdering(t *testing.T) {
	t.Parallel()

	inf := patternOnly(t)
	graph := inf.InferDependencies(context.Background(), pipelineTasks())

	require.Len(t, graph.Edges, 3)
	assert.Equal(t, []string{"t1"}, graph.DependenciesOf("t2"))
	assert.Equal(t, []string{"t2"}, graph.DependenciesOf("t3"))
	assert.Equal(t, []string{"t3"}, graph.DependenciesOf("t4"))

	assert.False(t, graph.HasCycle())
	order, ok := graph.TopologicalOrder()
	require.True(t, ok)
	assert.Equal(t, []string{"t1", "t2", "t3", "t4"}, order)

	report := graph.Validate(10)
	assert.Empty(t, report.Issues)
}

func TestBreakCycles_DeletesWeakestEdge(t *testing.T) {
	t.Parallel()

	edge := func(dependent, dependency string, confidence float64) (edgeKey, InferredDependency) {
		key := edgeKey{dependent: dependent, dependency: dependency}
		return key, InferredDependency{
			DependentTaskID:  dependent,
			DependencyTaskID: dependency,
			Type:             DependencySoft,
			Confidence:       confidence,
			Method:           MethodPattern,
		}
	}
	edges := make(map[edgeKey]InferredDependency)
	for _, e := range []struct {
		dependent, dependency string
		confidence            float64
	}{
		{"b", "a", 0.9},
		{"c", "b", 0.85},
		{"a", "c", 0.7},
	} {
		key, value := edge(e.dependent, e.dependency, e.confidence)
		edges[key] = value
	}

	removed := breakCycles(edges)
	require.Len(t, removed, 1)
	assert.Equal(t, "c -> a", removed[0])
	assert.Len(t, edges, 2)
	_, survives := edges[edgeKey{dependent: "b", dependency: "a"}]
	assert.True(t, survives)
	_, survives = edges[edgeKey{dependent: "c", dependency: "b"}]
	assert.True(t, survives)
}

func TestReduceTransitive_SparesHardEdges(t *testing.T) {
	t.Parallel()

	build := func(direct DependencyType) map[edgeKey]InferredDependency {
		edges := make(map[edgeKey]InferredDependency)
		add := func(dependent, dependency string, edgeType DependencyType) {
			edges[edgeKey{dependent: dependent, dependency: dependency}] = InferredDependency{
				DependentTaskID:  dependent,
				DependencyTaskID: dependency,
				Type:             edgeType,
				Confidence:       0.85,
			}
		}
		add("b", "a", DependencySoft)
		add("c", "b", DependencySoft)
		add("c", "a", direct)
		return edges
	}

	soft := build(DependencySoft)
	reduceTransitive(soft)
	assert.Len(t, soft, 2)
	_, kept := soft[edgeKey{dependent: "c", dependency: "a"}]
	assert.False(t, kept)

	hard := build(DependencyHard)
	reduceTransitive(hard)
	assert.Len(t, hard, 3)
}

func TestCriticalPath_LongestWeightedPath(t *testing.T) {
	t.Parallel()

	tasks := []model.Task{
		{ID: "a", Name: "a", EstimatedHours: 2},
		{ID: "b", Name: "b", EstimatedHours: 8},
		{ID: "c", Name: "c", EstimatedHours: 1},
		{ID: "d", Name: "d"}, // unestimated, weighs 1
	}
	edges := []InferredDependency{
		{DependentTaskID: "b", DependencyTaskID: "a", Type: DependencySoft, Confidence: 0.9},
		{DependentTaskID: "c", DependencyTaskID: "a", Type: DependencySoft, Confidence: 0.9},
		{DependentTaskID: "d", DependencyTaskID: "b", Type: DependencySoft, Confidence: 0.9},
	}

	path, hours := NewGraph(tasks, edges).CriticalPath()
	assert.Equal(t, []string{"a", "b", "d"}, path)
	assert.InDelta(t, 11, hours, 1e-9)
}

func TestValidate_FlagsMissingTestDependencyAndIsolation(t *testing.T) {
	t.Parallel()

	tasks := []model.Task{
		{ID: "deploy", Name: "Deploy service"},
		{ID: "impl", Name: "Implement service"},
		{ID: "stray", Name: "Unrelated chore"},
	}
	edges := []InferredDependency{
		{DependentTaskID: "deploy", DependencyTaskID: "impl", Type: DependencySoft, Confidence: 0.9},
	}

	report := NewGraph(tasks, edges).Validate(10)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "deploy")
	require.NotEmpty(t, report.Warnings)
	assert.Contains(t, report.Warnings[0], "stray")
	assert.Equal(t, 3, report.TaskCount)
	assert.Equal(t, 1, report.EdgeCount)
}

func TestPatternPass_RejectsWrongPhaseOrder(t *testing.T) {
	t.Parallel()

	inf := patternOnly(t)
	// Both tasks sit in the implementation phase, so no pattern may order them.
	graph := inf.InferDependencies(context.Background(), []model.Task{
		{ID: "auth", Name: "Implement authentication flow"},
		{ID: "authz", Name: "Implement role permission checks"},
	})
	assert.Empty(t, graph.Edges)
}

func TestPatternPass_ComponentRuleNeedsSharedWord(t *testing.T) {
	t.Parallel()

	inf := patternOnly(t)
	ctx := context.Background()

	related := inf.InferDependencies(ctx, []model.Task{
		{ID: "api", Name: "Design billing API server", Labels: []string{"backend"}},
		{ID: "ui", Name: "Billing frontend screens", Labels: []string{"ui"}},
	})
	require.Len(t, related.Edges, 1)
	assert.Equal(t, "api", related.Edges[0].DependencyTaskID)

	unrelated := inf.InferDependencies(ctx, []model.Task{
		{ID: "api", Name: "Design billing API server", Labels: []string{"backend"}},
		{ID: "ui", Name: "Onboarding frontend screens", Labels: []string{"ui"}},
	})
	assert.Empty(t, unrelated.Edges)
}

type stubRefiner struct {
	judgments []PairJudgment
	err       error
	calls     int
}

func (s *stubRefiner) RefineDependencies(ctx context.Context, prompt string) ([]PairJudgment, error) {
	s.calls++
	return s.judgments, s.err
}

func TestInferDependencies_CombinesPatternAndAI(t *testing.T) {
	t.Parallel()

	refiner := &stubRefiner{judgments: []PairJudgment{{
		Task1ID:    "crud",
		Task2ID:    "cache",
		Direction:  "1->2",
		Confidence: 0.9,
		Reasoning:  "caching builds on the CRUD layer",
	}}}
	inf, err := New(DefaultConfig(), WithRefiner(refiner))
	require.NoError(t, err)

	tasks := []model.Task{
		{ID: "crud", Name: "Implement basic CRUD endpoints"},
		{ID: "cache", Name: "Add advanced caching layer"},
	}
	graph := inf.InferDependencies(context.Background(), tasks)

	require.Len(t, graph.Edges, 1)
	edge := graph.Edges[0]
	assert.Equal(t, "cache", edge.DependentTaskID)
	assert.Equal(t, "crud", edge.DependencyTaskID)
	assert.Equal(t, MethodBoth, edge.Method)
	// (0.75 + 0.9)/2 + 0.15
	assert.InDelta(t, 0.975, edge.Confidence, 1e-9)
	assert.InDelta(t, 0.9, edge.AIConfidence, 1e-9)
}

func TestInferDependencies_AIOnlyEdgeNeedsThreshold(t *testing.T) {
	t.Parallel()

	refiner := &stubRefiner{judgments: []PairJudgment{
		{Task1ID: "ingest", Task2ID: "report", Direction: "1->2", Confidence: 0.85, DependencyType: "logical"},
		{Task1ID: "ingest", Task2ID: "archive", Direction: "2->1", Confidence: 0.3},
	}}
	inf, err := New(DefaultConfig(), WithRefiner(refiner))
	require.NoError(t, err)

	tasks := []model.Task{
		{ID: "ingest", Name: "Ingest billing data feed"},
		{ID: "report", Name: "Monthly billing data report"},
		{ID: "archive", Name: "Archive billing data feed"},
	}
	graph := inf.InferDependencies(context.Background(), tasks)

	require.Len(t, graph.Edges, 1)
	assert.Equal(t, "report", graph.Edges[0].DependentTaskID)
	assert.Equal(t, "ingest", graph.Edges[0].DependencyTaskID)
	assert.Equal(t, MethodAI, graph.Edges[0].Method)
	assert.Equal(t, DependencyLogical, graph.Edges[0].Type)
}

func TestInferDependencies_CachesRefinerResults(t *testing.T) {
	t.Parallel()

	refiner := &stubRefiner{judgments: []PairJudgment{{
		Task1ID: "crud", Task2ID: "cache", Direction: "1->2", Confidence: 0.9,
	}}}
	inf, err := New(DefaultConfig(), WithRefiner(refiner))
	require.NoError(t, err)

	tasks := []model.Task{
		{ID: "crud", Name: "Implement basic CRUD endpoints"},
		{ID: "cache", Name: "Add advanced caching layer"},
	}
	ctx := context.Background()
	inf.InferDependencies(ctx, tasks)
	inf.InferDependencies(ctx, tasks)
	assert.Equal(t, 1, refiner.calls)
}

func TestInferDependencies_RefinerFailureFallsBackToPatterns(t *testing.T) {
	t.Parallel()

	refiner := &stubRefiner{err: errors.New("model overloaded")}
	inf, err := New(DefaultConfig(), WithRefiner(refiner))
	require.NoError(t, err)

	graph := inf.InferDependencies(context.Background(), []model.Task{
		{ID: "crud", Name: "Implement basic CRUD endpoints"},
		{ID: "cache", Name: "Add advanced caching layer"},
	})
	// The weak pattern edge stays below threshold without AI confirmation.
	assert.Empty(t, graph.Edges)
	assert.Equal(t, 2, refiner.calls)
}

func TestWorkflowGroups_ClustersSharedKeywords(t *testing.T) {
	t.Parallel()

	tasks := []model.Task{
		{ID: "d", Name: "Design payment gateway"},
		{ID: "i", Name: "Implement payment gateway"},
		{ID: "t", Name: "Test payment gateway"},
		{ID: "r", Name: "Deploy payment gateway"},
		{ID: "x", Name: "Unrelated chore"},
	}
	groups := workflowGroups(tasks, 2)
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, []string{"d", "i", "t", "r"}, groups[0])
}

func TestPresetConfig(t *testing.T) {
	t.Parallel()

	cfg, err := PresetConfig("pattern_only")
	require.NoError(t, err)
	assert.False(t, cfg.EnableAIInference)

	cfg, err = PresetConfig("conservative")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, cfg.PatternConfidenceThreshold, 1e-9)

	_, err = PresetConfig("reckless")
	assert.Error(t, err)
}

func TestConfigValidate_RejectsOutOfRange(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AIConfidenceThreshold = 1.5
	assert.Error(t, cfg.Validate())
	_, err := New(cfg)
	assert.Error(t, err)
}
