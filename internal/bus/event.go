// Package bus provides the in-process typed event bus with history,
// optional persistence, and per-handler failure isolation.
package bus

import "time"

// Event is a single published occurrence on the bus.
type Event struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// WildcardType subscribes a handler to every event type.
const WildcardType = "*"

// Standard event kinds published by the engine. The set is closed; new kinds
// require a coordinated change with downstream consumers.
const (
	EventTaskRequested   = "task_requested"
	EventTaskAssigned    = "task_assigned"
	EventTaskStarted     = "task_started"
	EventTaskProgress    = "task_progress"
	EventTaskCompleted   = "task_completed"
	EventTaskBlocked     = "task_blocked"
	EventBlockerResolved = "blocker_resolved"

	EventAgentRegistered    = "agent_registered"
	EventAgentStatusChanged = "agent_status_changed"
	EventAgentSkillUpdated  = "agent_skill_updated"

	EventProjectCreated   = "project_created"
	EventProjectUpdated   = "project_updated"
	EventProjectCompleted = "project_completed"

	EventSystemStartup   = "system_startup"
	EventSystemShutdown  = "system_shutdown"
	EventKanbanConnected = "kanban_connected"
	EventKanbanError     = "kanban_error"

	EventContextUpdated      = "context_updated"
	EventDependencyDetected  = "dependency_detected"
	EventImplementationFound = "implementation_found"

	EventDecisionLogged  = "decision_logged"
	EventPatternDetected = "pattern_detected"

	EventPredictionMade = "prediction_made"
	EventAgentLearned   = "agent_learned"

	EventError   = "error"
	EventWarning = "warning"
)
