// Package kanban integrates an external Kanban board as the task source.
package kanban

import (
	"context"

	"github.com/taskherd/taskherd/internal/model"
)

// Provider is the board surface the coordinator consumes.
type Provider interface {
	// GetAllTasks returns every task on the board, with original-id
	// dependencies resolved to board ids.
	GetAllTasks(ctx context.Context) ([]model.Task, error)
	// GetAvailableTasks returns the unassigned todo subset.
	GetAvailableTasks(ctx context.Context) ([]model.Task, error)
	AssignTask(ctx context.Context, taskID, agentID string) error
	UpdateTaskStatus(ctx context.Context, taskID string, status model.Status) error
	AddComment(ctx context.Context, taskID, text string) error
	CompleteTask(ctx context.Context, taskID string) error
	CreateTask(ctx context.Context, task model.Task) (model.Task, error)
}

// BuildOriginalIDMap indexes board ids by the original id embedded in each
// task description.
func BuildOriginalIDMap(tasks []model.Task, originalIDs map[string]string) map[string]string {
	mapping := make(map[string]string, len(originalIDs))
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}
	for boardID, originalID := range originalIDs {
		if originalID != "" && known[boardID] {
			mapping[originalID] = boardID
		}
	}
	return mapping
}

// ResolveDependencies rewrites dependency references that use original ids
// into board ids. References already naming a board id pass through.
func ResolveDependencies(tasks []model.Task, originalToBoard map[string]string) []model.Task {
	resolved := make([]model.Task, len(tasks))
	for i, t := range tasks {
		resolved[i] = t
		if len(t.Dependencies) == 0 {
			continue
		}
		deps := make([]string, len(t.Dependencies))
		for j, dep := range t.Dependencies {
			if boardID, ok := originalToBoard[dep]; ok {
				deps[j] = boardID
			} else {
				deps[j] = dep
			}
		}
		resolved[i].Dependencies = deps
	}
	return resolved
}
