package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskherd/taskherd/internal/bus"
	"github.com/taskherd/taskherd/internal/logging"
	"github.com/taskherd/taskherd/internal/model"
	"github.com/taskherd/taskherd/internal/resilience"
	"github.com/taskherd/taskherd/internal/storage"
)

const source = "memory"

// Learning parameters.
const (
	learningRate = 0.1
	// memoryDecay weights outcome recency per elapsed week.
	memoryDecay = 0.95
)

const recentEventLimit = 100

// MedianProvider computes the global median task duration in the backend.
// The SQLite store implements it; the file backend does not.
type MedianProvider interface {
	MedianTaskDuration(ctx context.Context) (float64, error)
}

type activeTask struct {
	task      model.Task
	startedAt time.Time
}

// Memory is the four-tier learning store.
type Memory struct {
	logger  zerolog.Logger
	events  *bus.Bus
	store   storage.Store  // optional
	medians MedianProvider // optional

	mu sync.Mutex

	// Working tier.
	activeTasks  map[string]activeTask
	recentEvents []bus.Event
	allTasks     map[string]model.Task

	// Episodic tier.
	outcomes []TaskOutcome
	timeline map[string][]TaskOutcome

	// Semantic tier.
	agentProfiles  map[string]*AgentProfile
	taskPatterns   map[string]*TaskPattern
	successFactors map[string]any

	// Procedural tier, reserved for workflow learning.
	workflows     map[string]any
	strategies    map[string]any
	optimizations map[string]any
}

// Option configures Memory.
type Option func(*Memory)

// WithStore attaches a persistence backend for outcomes and profiles.
func WithStore(store storage.Store) Option {
	return func(m *Memory) { m.store = store }
}

// WithMedianProvider attaches a backend-side median computation.
func WithMedianProvider(p MedianProvider) Option {
	return func(m *Memory) { m.medians = p }
}

// New creates a Memory wired to the event bus. The working tier mirrors
// recent bus traffic through a wildcard subscription.
func New(events *bus.Bus, opts ...Option) *Memory {
	m := &Memory{
		logger:         logging.Component("memory"),
		events:         events,
		activeTasks:    make(map[string]activeTask),
		allTasks:       make(map[string]model.Task),
		timeline:       make(map[string][]TaskOutcome),
		agentProfiles:  make(map[string]*AgentProfile),
		taskPatterns:   make(map[string]*TaskPattern),
		successFactors: make(map[string]any),
		workflows:      make(map[string]any),
		strategies:     make(map[string]any),
		optimizations:  make(map[string]any),
	}
	for _, opt := range opts {
		opt(m)
	}
	events.Subscribe(bus.WildcardType, func(_ context.Context, event bus.Event) error {
		m.mu.Lock()
		m.recentEvents = append(m.recentEvents, event)
		if len(m.recentEvents) > recentEventLimit {
			m.recentEvents = m.recentEvents[len(m.recentEvents)-recentEventLimit:]
		}
		m.mu.Unlock()
		return nil
	})
	return m
}

// RecordTaskStart marks a task active on an agent.
func (m *Memory) RecordTaskStart(ctx context.Context, agentID string, task model.Task) {
	started := time.Now()
	m.mu.Lock()
	m.activeTasks[agentID] = activeTask{task: task, startedAt: started}
	m.mu.Unlock()

	if m.store != nil {
		record := taskRecord(task)
		record["agent_id"] = agentID
		record["started_at"] = started.Format(time.RFC3339)
		_ = resilience.Fallback(ctx, "persist active task",
			func(ctx context.Context) error {
				return m.store.Store(ctx, storage.CollectionActiveTasks, agentID, record)
			},
			func(ctx context.Context) error { return nil },
		)
	}

	m.events.Publish(ctx, bus.EventTaskStarted, source, map[string]any{
		"agent_id": agentID,
		"task_id":  task.ID,
	}, nil)
}

// ActiveTask returns the task currently active on an agent, if any.
func (m *Memory) ActiveTask(agentID string) (model.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.activeTasks[agentID]
	return entry.task, ok
}

// RecordTaskCompletion closes the active entry, learns from the outcome, and
// returns it. It returns nil when no matching active task exists.
func (m *Memory) RecordTaskCompletion(ctx context.Context, agentID, taskID string, success bool, actualHours float64, blockers []string) *TaskOutcome {
	m.mu.Lock()
	entry, ok := m.activeTasks[agentID]
	if !ok || entry.task.ID != taskID {
		m.mu.Unlock()
		m.logger.Warn().Str("agent_id", agentID).Str("task_id", taskID).Msg("completion without matching active task")
		return nil
	}

	now := time.Now()
	started := entry.startedAt
	outcome := TaskOutcome{
		TaskID:         taskID,
		AgentID:        agentID,
		TaskName:       entry.task.Name,
		EstimatedHours: entry.task.EstimatedHours,
		ActualHours:    actualHours,
		Success:        success,
		Blockers:       blockers,
		StartedAt:      &started,
		CompletedAt:    &now,
	}

	m.outcomes = append(m.outcomes, outcome)
	day := now.Format("2006-01-02")
	m.timeline[day] = append(m.timeline[day], outcome)

	m.updateAgentProfile(agentID, outcome, entry.task)
	m.learnTaskPatterns(outcome, entry.task)
	delete(m.activeTasks, agentID)
	profile := *m.agentProfiles[agentID]
	m.mu.Unlock()

	m.persistOutcome(ctx, outcome)
	m.persistProfile(ctx, profile)
	if m.store != nil {
		_ = resilience.Fallback(ctx, "clear active task",
			func(ctx context.Context) error {
				return m.store.Delete(ctx, storage.CollectionActiveTasks, agentID)
			},
			func(ctx context.Context) error { return nil },
		)
	}

	m.events.Publish(ctx, bus.EventTaskCompleted, source, map[string]any{
		"agent_id": agentID,
		"task_id":  taskID,
		"success":  success,
	}, nil)
	m.events.Publish(ctx, bus.EventAgentLearned, source, map[string]any{
		"agent_id":    agentID,
		"total_tasks": profile.TotalTasks,
	}, nil)
	return &outcome
}

// updateAgentProfile applies the EMA learning updates. Caller holds the lock.
func (m *Memory) updateAgentProfile(agentID string, outcome TaskOutcome, task model.Task) {
	profile, ok := m.agentProfiles[agentID]
	if !ok {
		profile = &AgentProfile{
			AgentID:           agentID,
			SkillSuccessRates: make(map[string]float64),
			CommonBlockers:    make(map[string]int),
		}
		m.agentProfiles[agentID] = profile
	}

	profile.TotalTasks++
	if outcome.Success {
		profile.SuccessfulTasks++
	} else {
		profile.FailedTasks++
	}
	if len(outcome.Blockers) > 0 {
		profile.BlockedTasks++
	}

	observed := 0.0
	if outcome.Success {
		observed = 1.0
	}
	for _, label := range task.Labels {
		old, ok := profile.SkillSuccessRates[label]
		if !ok {
			old = 0.5
		}
		profile.SkillSuccessRates[label] = old*(1-learningRate) + observed*learningRate
	}

	accuracy := outcome.EstimationAccuracy()
	if profile.AverageEstimationAccuracy == 0 {
		profile.AverageEstimationAccuracy = accuracy
	} else {
		profile.AverageEstimationAccuracy = profile.AverageEstimationAccuracy*(1-learningRate) + accuracy*learningRate
	}

	for _, blocker := range outcome.Blockers {
		profile.CommonBlockers[blocker]++
	}
}

// learnTaskPatterns updates the pattern keyed by the task's sorted labels.
// Caller holds the lock.
func (m *Memory) learnTaskPatterns(outcome TaskOutcome, task model.Task) {
	if len(task.Labels) == 0 {
		return
	}
	key := PatternKey(task.Labels)
	pattern, ok := m.taskPatterns[key]
	if !ok {
		initialRate := 0.0
		if outcome.Success {
			initialRate = 1.0
		}
		labels := append([]string(nil), task.Labels...)
		sort.Strings(labels)
		m.taskPatterns[key] = &TaskPattern{
			PatternType:     key,
			TaskLabels:      labels,
			RecentDurations: []float64{outcome.ActualHours},
			SuccessRate:     initialRate,
			CommonBlockers:  blockerCounts(outcome.Blockers),
			BestAgents:      successAgents(outcome),
		}
		return
	}

	pattern.RecentDurations = append(pattern.RecentDurations, outcome.ActualHours)
	if len(pattern.RecentDurations) > 100 {
		pattern.RecentDurations = pattern.RecentDurations[len(pattern.RecentDurations)-100:]
	}
	observed := 0.0
	if outcome.Success {
		observed = 1.0
	}
	pattern.SuccessRate = pattern.SuccessRate*0.9 + observed*0.1
	for _, blocker := range outcome.Blockers {
		pattern.CommonBlockers[blocker]++
	}
	if outcome.Success {
		pattern.BestAgents = append(pattern.BestAgents, outcome.AgentID)
	}
}

func blockerCounts(blockers []string) map[string]int {
	counts := make(map[string]int, len(blockers))
	for _, b := range blockers {
		counts[b]++
	}
	return counts
}

func successAgents(outcome TaskOutcome) []string {
	if !outcome.Success {
		return nil
	}
	return []string{outcome.AgentID}
}

// PatternKey builds the pattern index key: sorted labels joined by "_".
func PatternKey(labels []string) string {
	sorted := append([]string(nil), labels...)
	sort.Strings(sorted)
	return strings.Join(sorted, "_")
}

// UpdateProjectTasks replaces the working-tier project snapshot.
func (m *Memory) UpdateProjectTasks(ctx context.Context, tasks []model.Task) {
	m.mu.Lock()
	m.allTasks = make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		m.allTasks[t.ID] = t
	}
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	for _, t := range tasks {
		t := t
		_ = resilience.Fallback(ctx, "persist project task",
			func(ctx context.Context) error {
				return m.store.Store(ctx, storage.CollectionProjectTasks, t.ID, taskRecord(t))
			},
			func(ctx context.Context) error { return nil },
		)
	}
}

func taskRecord(t model.Task) map[string]any {
	return map[string]any{
		"id":              t.ID,
		"name":            t.Name,
		"status":          string(t.Status),
		"priority":        string(t.Priority),
		"assigned_to":     t.AssignedTo,
		"estimated_hours": t.EstimatedHours,
		"actual_hours":    t.ActualHours,
		"dependencies":    t.Dependencies,
		"labels":          t.Labels,
	}
}

// AgentProfileFor returns a copy of the agent's profile.
func (m *Memory) AgentProfileFor(agentID string) (AgentProfile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	profile, ok := m.agentProfiles[agentID]
	if !ok {
		return AgentProfile{}, false
	}
	return *profile, true
}

// PatternFor returns a copy of the pattern for a label set.
func (m *Memory) PatternFor(labels []string) (TaskPattern, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pattern, ok := m.taskPatterns[PatternKey(labels)]
	if !ok {
		return TaskPattern{}, false
	}
	return *pattern, true
}

func (m *Memory) persistOutcome(ctx context.Context, outcome TaskOutcome) {
	if m.store == nil {
		return
	}
	key := fmt.Sprintf("%s_%s_%d", outcome.TaskID, outcome.AgentID, outcome.CompletedAt.Unix())
	record := map[string]any{
		"task_id":         outcome.TaskID,
		"agent_id":        outcome.AgentID,
		"task_name":       outcome.TaskName,
		"estimated_hours": outcome.EstimatedHours,
		"actual_hours":    outcome.ActualHours,
		"success":         outcome.Success,
		"blockers":        outcome.Blockers,
		"started_at":      outcome.StartedAt.Format(time.RFC3339),
		"completed_at":    outcome.CompletedAt.Format(time.RFC3339),
	}
	_ = resilience.Fallback(ctx, "persist task outcome",
		func(ctx context.Context) error {
			return m.store.Store(ctx, storage.CollectionTaskOutcomes, key, record)
		},
		func(ctx context.Context) error { return nil },
	)
}

func (m *Memory) persistProfile(ctx context.Context, profile AgentProfile) {
	if m.store == nil {
		return
	}
	record := map[string]any{
		"agent_id":                    profile.AgentID,
		"total_tasks":                 profile.TotalTasks,
		"successful_tasks":            profile.SuccessfulTasks,
		"failed_tasks":                profile.FailedTasks,
		"blocked_tasks":               profile.BlockedTasks,
		"skill_success_rates":         profile.SkillSuccessRates,
		"average_estimation_accuracy": profile.AverageEstimationAccuracy,
		"common_blockers":             profile.CommonBlockers,
	}
	_ = resilience.Fallback(ctx, "persist agent profile",
		func(ctx context.Context) error {
			return m.store.Store(ctx, storage.CollectionAgentProfiles, profile.AgentID, record)
		},
		func(ctx context.Context) error { return nil },
	)
}
