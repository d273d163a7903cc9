package coordinator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskherd/taskherd/internal/bus"
	"github.com/taskherd/taskherd/internal/contextstore"
	"github.com/taskherd/taskherd/internal/inference"
	"github.com/taskherd/taskherd/internal/memory"
	"github.com/taskherd/taskherd/internal/model"
	"github.com/taskherd/taskherd/internal/resilience"
)

// fakeBoard is an in-memory kanban provider.
type fakeBoard struct {
	tasks     []model.Task
	err       error
	assigned  map[string]string
	statuses  map[string]model.Status
	comments  map[string][]string
	completed []string
}

func newFakeBoard(tasks ...model.Task) *fakeBoard {
	return &fakeBoard{
		tasks:    tasks,
		assigned: make(map[string]string),
		statuses: make(map[string]model.Status),
		comments: make(map[string][]string),
	}
}

func (f *fakeBoard) GetAllTasks(ctx context.Context) ([]model.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.Task(nil), f.tasks...), nil
}

func (f *fakeBoard) GetAvailableTasks(ctx context.Context) ([]model.Task, error) {
	return f.GetAllTasks(ctx)
}

func (f *fakeBoard) AssignTask(ctx context.Context, taskID, agentID string) error {
	f.assigned[taskID] = agentID
	return nil
}

func (f *fakeBoard) UpdateTaskStatus(ctx context.Context, taskID string, status model.Status) error {
	f.statuses[taskID] = status
	return nil
}

func (f *fakeBoard) AddComment(ctx context.Context, taskID, text string) error {
	f.comments[taskID] = append(f.comments[taskID], text)
	return nil
}

func (f *fakeBoard) CompleteTask(ctx context.Context, taskID string) error {
	f.completed = append(f.completed, taskID)
	return nil
}

func (f *fakeBoard) CreateTask(ctx context.Context, task model.Task) (model.Task, error) {
	f.tasks = append(f.tasks, task)
	return task, nil
}

func newCoordinator(t *testing.T, board *fakeBoard) *Coordinator {
	t.Helper()
	events := bus.New()
	cfg, err := inference.PresetConfig("pattern_only")
	require.NoError(t, err)
	inferer, err := inference.New(cfg)
	require.NoError(t, err)
	return New(events, contextstore.New(events, nil), memory.New(events), inferer, board)
}

func TestRegisterAgent_AddsToRoster(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, newFakeBoard())
	c.RegisterAgent(context.Background(), model.Agent{ID: "agent-1", Name: "Builder", Role: "backend"})

	agents := c.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-1", agents[0].ID)
	assert.False(t, agents[0].RegisteredAt.IsZero())

	generated := c.RegisterAgent(context.Background(), model.Agent{Name: "Anon"})
	assert.NotEmpty(t, generated.ID)
	assert.Len(t, c.Agents(), 2)
}

func TestRequestNextTask_AssignsReadyTask(t *testing.T) {
	t.Parallel()

	board := newFakeBoard(
		model.Task{ID: "design", Name: "Design checkout flow", Status: model.StatusTodo, Priority: model.PriorityHigh, EstimatedHours: 3},
		model.Task{ID: "impl", Name: "Implement checkout flow", Status: model.StatusTodo, Priority: model.PriorityUrgent, EstimatedHours: 8, Dependencies: []string{"design"}},
	)
	c := newCoordinator(t, board)
	ctx := context.Background()

	bundle, err := c.RequestNextTask(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, bundle)

	// The urgent task is blocked by its design dependency.
	assert.Equal(t, "design", bundle.Task.ID)
	assert.Equal(t, "agent-1", board.assigned["design"])
	assert.NotEmpty(t, bundle.SuggestedOrder)

	active, ok := c.memory.ActiveTask("agent-1")
	require.True(t, ok)
	assert.Equal(t, "design", active.ID)
	require.NotNil(t, c.Graph())
}

func TestRequestNextTask_RanksByPriorityThenEstimate(t *testing.T) {
	t.Parallel()

	board := newFakeBoard(
		model.Task{ID: "slow", Name: "Slow chore", Status: model.StatusTodo, Priority: model.PriorityHigh, EstimatedHours: 9},
		model.Task{ID: "fast", Name: "Fast chore", Status: model.StatusTodo, Priority: model.PriorityHigh, EstimatedHours: 1},
		model.Task{ID: "minor", Name: "Minor chore", Status: model.StatusTodo, Priority: model.PriorityLow, EstimatedHours: 0.5},
	)
	c := newCoordinator(t, board)

	bundle, err := c.RequestNextTask(context.Background(), "agent-1")
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.Equal(t, "fast", bundle.Task.ID)
}

func TestRequestNextTask_NoReadyTask(t *testing.T) {
	t.Parallel()

	board := newFakeBoard(
		model.Task{ID: "taken", Name: "Taken", Status: model.StatusTodo, AssignedTo: "agent-2"},
		model.Task{ID: "running", Name: "Running", Status: model.StatusInProgress},
	)
	c := newCoordinator(t, board)

	bundle, err := c.RequestNextTask(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Nil(t, bundle)
}

func TestRequestNextTask_BreakerOpenReturnsNil(t *testing.T) {
	t.Parallel()

	board := newFakeBoard()
	board.err = fmt.Errorf("board list: %w", resilience.ErrBreakerOpen)
	c := newCoordinator(t, board)

	bundle, err := c.RequestNextTask(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Nil(t, bundle)
}

func TestCompleteTask_SuccessClosesBoardTask(t *testing.T) {
	t.Parallel()

	board := newFakeBoard(
		model.Task{ID: "t-1", Name: "Ship feature", Status: model.StatusTodo, Priority: model.PriorityHigh, EstimatedHours: 2},
	)
	c := newCoordinator(t, board)
	ctx := context.Background()

	bundle, err := c.RequestNextTask(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, bundle)

	outcome, err := c.CompleteTask(ctx, "agent-1", "t-1", true, 2.5, nil, map[string]any{
		"apis":     []any{"/checkout"},
		"patterns": []any{map[string]any{"type": "endpoint"}},
	})
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.InDelta(t, 2.5, outcome.ActualHours, 1e-9)
	assert.Equal(t, []string{"t-1"}, board.completed)

	stored := c.context.GetContext(ctx, "next", []string{"t-1"})
	assert.Contains(t, stored.PreviousImplementations, "t-1")
}

func TestCompleteTask_FailureBlocksBoardTask(t *testing.T) {
	t.Parallel()

	board := newFakeBoard(
		model.Task{ID: "t-1", Name: "Ship feature", Status: model.StatusTodo, Priority: model.PriorityHigh, EstimatedHours: 2},
	)
	c := newCoordinator(t, board)
	ctx := context.Background()

	_, err := c.RequestNextTask(ctx, "agent-1")
	require.NoError(t, err)

	outcome, err := c.CompleteTask(ctx, "agent-1", "t-1", false, 4, []string{"missing credentials"}, nil)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, model.StatusBlocked, board.statuses["t-1"])
	assert.Empty(t, board.completed)
}

func TestCompleteTask_WithoutActiveTask(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, newFakeBoard())
	_, err := c.CompleteTask(context.Background(), "agent-1", "ghost", true, 1, nil, nil)
	assert.Error(t, err)
}

func TestReportBlocker_UpdatesBoard(t *testing.T) {
	t.Parallel()

	board := newFakeBoard()
	c := newCoordinator(t, board)
	ctx := context.Background()

	require.NoError(t, c.ReportBlocker(ctx, "agent-1", "t-1", "API key expired", "high"))
	assert.Equal(t, model.StatusBlocked, board.statuses["t-1"])
	require.Len(t, board.comments["t-1"], 1)
	assert.Contains(t, board.comments["t-1"][0], "API key expired")
}

func TestReportProgress_CommentsAndPublishes(t *testing.T) {
	t.Parallel()

	board := newFakeBoard()
	c := newCoordinator(t, board)
	ctx := context.Background()

	require.NoError(t, c.ReportProgress(ctx, "agent-1", "t-1", model.StatusInProgress, 0.4, "halfway through"))
	assert.Equal(t, model.StatusInProgress, board.statuses["t-1"])
	require.Len(t, board.comments["t-1"], 1)
	assert.Contains(t, board.comments["t-1"][0], "halfway")
}
