package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/taskherd/taskherd/internal/model"
	"github.com/taskherd/taskherd/internal/storage"
)

// Load rebuilds the episodic and semantic tiers from the persistence
// backend. Task patterns are not persisted directly; they are replayed from
// stored outcomes using labels from the project snapshot.
func (m *Memory) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	taskRecords, err := m.store.Query(ctx, storage.CollectionProjectTasks, nil, 0)
	if err != nil {
		return fmt.Errorf("load project tasks: %w", err)
	}
	tasks := make(map[string]model.Task, len(taskRecords))
	for _, record := range taskRecords {
		t := decodeTask(record)
		if t.ID != "" {
			tasks[t.ID] = t
		}
	}

	outcomeRecords, err := m.store.Query(ctx, storage.CollectionTaskOutcomes, nil, 0)
	if err != nil {
		return fmt.Errorf("load task outcomes: %w", err)
	}
	outcomes := make([]TaskOutcome, 0, len(outcomeRecords))
	for _, record := range outcomeRecords {
		outcomes = append(outcomes, decodeOutcome(record))
	}
	sort.SliceStable(outcomes, func(i, j int) bool {
		a, b := outcomes[i].CompletedAt, outcomes[j].CompletedAt
		if a == nil || b == nil {
			return b != nil
		}
		return a.Before(*b)
	})

	profileRecords, err := m.store.Query(ctx, storage.CollectionAgentProfiles, nil, 0)
	if err != nil {
		return fmt.Errorf("load agent profiles: %w", err)
	}

	activeRecords, err := m.store.Query(ctx, storage.CollectionActiveTasks, nil, 0)
	if err != nil {
		return fmt.Errorf("load active tasks: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, t := range tasks {
		m.allTasks[id] = t
	}

	m.outcomes = outcomes
	m.timeline = make(map[string][]TaskOutcome)
	m.taskPatterns = make(map[string]*TaskPattern)
	for _, outcome := range outcomes {
		if outcome.CompletedAt != nil {
			day := outcome.CompletedAt.Format("2006-01-02")
			m.timeline[day] = append(m.timeline[day], outcome)
		}
		if task, ok := tasks[outcome.TaskID]; ok {
			m.learnTaskPatterns(outcome, task)
		}
	}

	for _, record := range profileRecords {
		profile := decodeProfile(record)
		if profile.AgentID != "" {
			m.agentProfiles[profile.AgentID] = &profile
		}
	}

	for _, record := range activeRecords {
		agentID := asString(record["agent_id"])
		if agentID == "" {
			continue
		}
		entry := activeTask{task: decodeTask(record), startedAt: time.Now()}
		if started, err := time.Parse(time.RFC3339, asString(record["started_at"])); err == nil {
			entry.startedAt = started
		}
		m.activeTasks[agentID] = entry
	}

	m.logger.Info().
		Int("outcomes", len(outcomes)).
		Int("profiles", len(profileRecords)).
		Int("active", len(activeRecords)).
		Msg("memory loaded")
	return nil
}

func decodeTask(record map[string]any) model.Task {
	return model.Task{
		ID:             asString(record["id"]),
		Name:           asString(record["name"]),
		Status:         model.Status(asString(record["status"])),
		Priority:       model.Priority(asString(record["priority"])),
		AssignedTo:     asString(record["assigned_to"]),
		EstimatedHours: asFloat(record["estimated_hours"]),
		ActualHours:    asFloat(record["actual_hours"]),
		Dependencies:   asStringSlice(record["dependencies"]),
		Labels:         asStringSlice(record["labels"]),
	}
}

func decodeOutcome(record map[string]any) TaskOutcome {
	outcome := TaskOutcome{
		TaskID:         asString(record["task_id"]),
		AgentID:        asString(record["agent_id"]),
		TaskName:       asString(record["task_name"]),
		EstimatedHours: asFloat(record["estimated_hours"]),
		ActualHours:    asFloat(record["actual_hours"]),
		Success:        asBool(record["success"]),
		Blockers:       asStringSlice(record["blockers"]),
	}
	if started, err := time.Parse(time.RFC3339, asString(record["started_at"])); err == nil {
		outcome.StartedAt = &started
	}
	if completed, err := time.Parse(time.RFC3339, asString(record["completed_at"])); err == nil {
		outcome.CompletedAt = &completed
	}
	return outcome
}

func decodeProfile(record map[string]any) AgentProfile {
	return AgentProfile{
		AgentID:                   asString(record["agent_id"]),
		TotalTasks:                asInt(record["total_tasks"]),
		SuccessfulTasks:           asInt(record["successful_tasks"]),
		FailedTasks:               asInt(record["failed_tasks"]),
		BlockedTasks:              asInt(record["blocked_tasks"]),
		SkillSuccessRates:         asFloatMap(record["skill_success_rates"]),
		AverageEstimationAccuracy: asFloat(record["average_estimation_accuracy"]),
		CommonBlockers:            asIntMap(record["common_blockers"]),
	}
}

// Stored records round-trip through JSON, so numbers come back as float64.

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

func asInt(v any) int {
	return int(asFloat(v))
}

func asStringSlice(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return nil
	}
}

func asFloatMap(v any) map[string]float64 {
	out := make(map[string]float64)
	switch m := v.(type) {
	case map[string]float64:
		return m
	case map[string]any:
		for k, item := range m {
			out[k] = asFloat(item)
		}
	}
	return out
}

func asIntMap(v any) map[string]int {
	out := make(map[string]int)
	switch m := v.(type) {
	case map[string]int:
		return m
	case map[string]any:
		for k, item := range m {
			out[k] = asInt(item)
		}
	}
	return out
}
