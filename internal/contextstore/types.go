// Package contextstore records per-task implementation facts, architectural
// decisions, and extracted patterns, and answers what context a task needs.
package contextstore

import "time"

// DependencyType classifies why one task depends on another.
type DependencyType string

// Dependency types.
const (
	DependencyFunctional DependencyType = "functional"
	DependencyData       DependencyType = "data"
	DependencyTemporal   DependencyType = "temporal"
)

// DependentTask records that a task expects an interface from another task.
type DependentTask struct {
	TaskID            string         `json:"task_id"`
	TaskName          string         `json:"task_name"`
	ExpectedInterface string         `json:"expected_interface"`
	DependencyType    DependencyType `json:"dependency_type"`
}

// Decision is an immutable architectural decision tied to a task.
type Decision struct {
	DecisionID string    `json:"decision_id"`
	TaskID     string    `json:"task_id"`
	AgentID    string    `json:"agent_id"`
	Timestamp  time.Time `json:"timestamp"`
	What       string    `json:"what"`
	Why        string    `json:"why"`
	Impact     string    `json:"impact"`
}

// PatternEntry is one extracted pattern indexed under its type.
type PatternEntry struct {
	TaskID  string         `json:"task_id"`
	Pattern map[string]any `json:"pattern"`
}

// TaskContext is the assembled context bundle for an assignment.
type TaskContext struct {
	TaskID                  string                    `json:"task_id"`
	PreviousImplementations map[string]map[string]any `json:"previous_implementations"`
	DependentTasks          []DependentTask           `json:"dependent_tasks"`
	RelatedPatterns         map[string][]PatternEntry `json:"related_patterns"`
	ArchitecturalDecisions  []Decision                `json:"architectural_decisions"`
}
