// Package coordinator is the orchestration façade agents talk to: task
// assignment, progress reporting, and completion feed the learning layers
// underneath.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taskherd/taskherd/internal/bus"
	"github.com/taskherd/taskherd/internal/contextstore"
	"github.com/taskherd/taskherd/internal/inference"
	"github.com/taskherd/taskherd/internal/kanban"
	"github.com/taskherd/taskherd/internal/logging"
	"github.com/taskherd/taskherd/internal/memory"
	"github.com/taskherd/taskherd/internal/model"
	"github.com/taskherd/taskherd/internal/resilience"
	"github.com/taskherd/taskherd/internal/storage"
)

const source = "coordinator"

// TaskBundle is everything an agent needs to start the assigned task.
type TaskBundle struct {
	Task           model.Task                `json:"task"`
	Context        contextstore.TaskContext  `json:"context"`
	Predictions    memory.EnhancedPrediction `json:"predictions"`
	SuggestedOrder []model.Task              `json:"suggested_order"`
}

// Coordinator owns the event bus, context store, memory, and the current
// dependency graph, and mediates every agent interaction.
type Coordinator struct {
	logger  zerolog.Logger
	events  *bus.Bus
	context *contextstore.ContextStore
	memory  *memory.Memory
	inferer *inference.Inferer
	board   kanban.Provider
	store   storage.Store // optional

	mu     sync.Mutex
	roster map[string]model.Agent
	graph  *inference.DependencyGraph
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStore persists the roster and graph validation reports.
func WithStore(store storage.Store) Option {
	return func(c *Coordinator) { c.store = store }
}

// New wires the coordinator over its owned subsystems.
func New(events *bus.Bus, contextStore *contextstore.ContextStore, mem *memory.Memory, inferer *inference.Inferer, board kanban.Provider, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:  logging.Component("coordinator"),
		events:  events,
		context: contextStore,
		memory:  mem,
		inferer: inferer,
		board:   board,
		roster:  make(map[string]model.Agent),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterAgent adds an agent to the roster, generating an ID when the
// caller left it blank.
func (c *Coordinator) RegisterAgent(ctx context.Context, agent model.Agent) model.Agent {
	if agent.ID == "" {
		agent.ID = fmt.Sprintf("agent-%s", uuid.NewString())
	}
	if agent.RegisteredAt.IsZero() {
		agent.RegisteredAt = time.Now()
	}
	c.mu.Lock()
	c.roster[agent.ID] = agent
	c.mu.Unlock()

	if c.store != nil {
		_ = resilience.Fallback(ctx, "persist agent",
			func(ctx context.Context) error {
				return c.store.Store(ctx, storage.CollectionAgents, agent.ID, map[string]any{
					"agent_id":      agent.ID,
					"name":          agent.Name,
					"role":          agent.Role,
					"registered_at": agent.RegisteredAt.Format(time.RFC3339),
				})
			},
			func(ctx context.Context) error { return nil },
		)
	}

	c.logger.Info().Str("agent_id", agent.ID).Str("role", agent.Role).Msg("agent registered")
	c.events.Publish(ctx, bus.EventAgentRegistered, source, map[string]any{
		"agent_id": agent.ID,
		"name":     agent.Name,
		"role":     agent.Role,
	}, nil)
	return agent
}

// Agents returns the current roster.
func (c *Coordinator) Agents() []model.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	agents := make([]model.Agent, 0, len(c.roster))
	for _, agent := range c.roster {
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// Graph returns the dependency graph from the latest task refresh.
func (c *Coordinator) Graph() *inference.DependencyGraph {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graph
}

// RequestNextTask refreshes the project snapshot, picks the best ready task
// for the agent, and assigns it. A nil bundle means no task is available
// right now; that includes the board being behind an open circuit breaker.
func (c *Coordinator) RequestNextTask(ctx context.Context, agentID string) (*TaskBundle, error) {
	c.events.Publish(ctx, bus.EventTaskRequested, source, map[string]any{"agent_id": agentID}, nil)

	tasks, graph, err := c.refresh(ctx)
	if err != nil {
		if errors.Is(err, resilience.ErrBreakerOpen) {
			c.logger.Warn().Str("agent_id", agentID).Msg("board breaker open, no assignment")
			return nil, nil
		}
		return nil, err
	}

	ready := readyTasks(tasks, graph)
	if len(ready) == 0 {
		c.logger.Debug().Str("agent_id", agentID).Msg("no ready task")
		return nil, nil
	}
	rankReadyTasks(ready, graph)

	task := ready[0]
	taskContext := c.context.GetContext(ctx, task.ID, task.Dependencies)
	predictions := c.memory.PredictTaskOutcomeV2(ctx, agentID, task)

	// Persist the assignment on the board before announcing it.
	if err := c.board.AssignTask(ctx, task.ID, agentID); err != nil {
		return nil, fmt.Errorf("assign task %s: %w", task.ID, err)
	}
	c.memory.RecordTaskStart(ctx, agentID, task)
	c.events.Publish(ctx, bus.EventTaskAssigned, source, map[string]any{
		"agent_id": agentID,
		"task_id":  task.ID,
		"task":     task.Name,
	}, nil)

	return &TaskBundle{
		Task:           task,
		Context:        taskContext,
		Predictions:    predictions,
		SuggestedOrder: ready,
	}, nil
}

// RefreshGraph re-reads the board and rebuilds the dependency graph.
func (c *Coordinator) RefreshGraph(ctx context.Context) (*inference.DependencyGraph, error) {
	_, graph, err := c.refresh(ctx)
	return graph, err
}

func (c *Coordinator) refresh(ctx context.Context) ([]model.Task, *inference.DependencyGraph, error) {
	tasks, err := c.board.GetAllTasks(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("refresh tasks: %w", err)
	}

	c.memory.UpdateProjectTasks(ctx, tasks)
	graph := c.inferer.InferDependencies(ctx, tasks)
	c.mu.Lock()
	c.graph = graph
	c.mu.Unlock()

	if c.store != nil {
		report := graph.Validate(c.inferer.Config().MaxDependencyChainLength)
		_ = resilience.Fallback(ctx, "persist analysis report",
			func(ctx context.Context) error {
				return c.store.Store(ctx, storage.CollectionAnalysisResults, uuid.NewString(), map[string]any{
					"task_count":      report.TaskCount,
					"edge_count":      report.EdgeCount,
					"issues":          report.Issues,
					"warnings":        report.Warnings,
					"edges_by_method": report.EdgesByMethod,
					"longest_chain":   report.LongestChain,
				})
			},
			func(ctx context.Context) error { return nil },
		)
	}
	return tasks, graph, nil
}

// Sweep clears persisted context older than the retention window.
func (c *Coordinator) Sweep(ctx context.Context, days int) {
	c.context.ClearOldData(ctx, days)
}

// readyTasks selects unassigned todo tasks whose dependencies, explicit and
// inferred, are all done.
func readyTasks(tasks []model.Task, graph *inference.DependencyGraph) []model.Task {
	byID := make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	done := func(id string) bool {
		dep, ok := byID[id]
		return !ok || dep.Status == model.StatusDone
	}

	var ready []model.Task
	for _, t := range tasks {
		if t.Status != model.StatusTodo || t.AssignedTo != "" {
			continue
		}
		blocked := false
		for _, depID := range t.Dependencies {
			if !done(depID) {
				blocked = true
				break
			}
		}
		for _, depID := range graph.DependenciesOf(t.ID) {
			if !done(depID) {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, t)
		}
	}
	return ready
}

// rankReadyTasks orders candidates by priority, then dependency-graph
// position, then the smaller estimate.
func rankReadyTasks(ready []model.Task, graph *inference.DependencyGraph) {
	position := make(map[string]int)
	if order, ok := graph.TopologicalOrder(); ok {
		for i, id := range order {
			position[id] = i
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if position[a.ID] != position[b.ID] {
			return position[a.ID] < position[b.ID]
		}
		if a.EstimatedHours != b.EstimatedHours {
			return a.EstimatedHours < b.EstimatedHours
		}
		return a.ID < b.ID
	})
}

// ReportProgress relays an agent's status update.
func (c *Coordinator) ReportProgress(ctx context.Context, agentID, taskID string, status model.Status, progress float64, message string) error {
	if status != "" {
		if err := c.board.UpdateTaskStatus(ctx, taskID, status); err != nil {
			c.logger.Warn().Err(err).Str("task_id", taskID).Msg("board status update failed")
		}
	}
	if message != "" {
		if err := c.board.AddComment(ctx, taskID, fmt.Sprintf("[%s] %s", agentID, message)); err != nil {
			c.logger.Warn().Err(err).Str("task_id", taskID).Msg("board comment failed")
		}
	}
	c.events.Publish(ctx, bus.EventTaskProgress, source, map[string]any{
		"agent_id": agentID,
		"task_id":  taskID,
		"status":   string(status),
		"progress": progress,
		"message":  message,
	}, nil)
	return nil
}

// ReportBlocker marks a task blocked on the board and announces it. The
// blocker itself is learned at completion time.
func (c *Coordinator) ReportBlocker(ctx context.Context, agentID, taskID, description, severity string) error {
	if err := c.board.UpdateTaskStatus(ctx, taskID, model.StatusBlocked); err != nil {
		c.logger.Warn().Err(err).Str("task_id", taskID).Msg("board blocked update failed")
	}
	if err := c.board.AddComment(ctx, taskID, fmt.Sprintf("[%s] BLOCKED (%s): %s", agentID, severity, description)); err != nil {
		c.logger.Warn().Err(err).Str("task_id", taskID).Msg("board comment failed")
	}
	c.events.Publish(ctx, bus.EventTaskBlocked, source, map[string]any{
		"agent_id":    agentID,
		"task_id":     taskID,
		"description": description,
		"severity":    severity,
	}, nil)
	return nil
}

// CompleteTask records the outcome, stores any implementation artifacts,
// and closes or blocks the task on the board.
func (c *Coordinator) CompleteTask(ctx context.Context, agentID, taskID string, success bool, actualHours float64, blockers []string, artifacts map[string]any) (*memory.TaskOutcome, error) {
	outcome := c.memory.RecordTaskCompletion(ctx, agentID, taskID, success, actualHours, blockers)
	if outcome == nil {
		return nil, fmt.Errorf("no active task %s for agent %s", taskID, agentID)
	}

	if len(artifacts) > 0 {
		c.context.AddImplementation(ctx, taskID, artifacts)
	}

	if success {
		if err := c.board.CompleteTask(ctx, taskID); err != nil {
			c.logger.Warn().Err(err).Str("task_id", taskID).Msg("board close failed")
		}
	} else {
		if err := c.board.UpdateTaskStatus(ctx, taskID, model.StatusBlocked); err != nil {
			c.logger.Warn().Err(err).Str("task_id", taskID).Msg("board blocked update failed")
		}
		c.events.Publish(ctx, bus.EventTaskBlocked, source, map[string]any{
			"agent_id": agentID,
			"task_id":  taskID,
			"blockers": blockers,
		}, nil)
	}
	return outcome, nil
}
