package kanban

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskherd/taskherd/internal/bus"
	"github.com/taskherd/taskherd/internal/logging"
	"github.com/taskherd/taskherd/internal/model"
	"github.com/taskherd/taskherd/internal/resilience"
)

// Board statuses used by the CLI tool.
const (
	boardStatusOpen       = "open"
	boardStatusInProgress = "in_progress"
	boardStatusBlocked    = "blocked"
	boardStatusClosed     = "closed"
)

// boardIssue is the JSON shape the board CLI emits.
type boardIssue struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Priority    int      `json:"priority"`
	Assignee    string   `json:"assignee"`
	Labels      []string `json:"labels"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// CLIProvider drives a board through its command-line tool, one invocation
// per operation. Calls retry on transient failures; a circuit breaker stops
// hammering a board that keeps failing.
type CLIProvider struct {
	// BinPath is the board executable. Defaults to "board" from PATH.
	BinPath string
	// Dir is the working directory for invocations; the CLI resolves its
	// project from there.
	Dir string

	logger  zerolog.Logger
	events  *bus.Bus
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
}

// CLIOption configures a CLIProvider.
type CLIOption func(*CLIProvider)

// WithEventBus publishes board connectivity events.
func WithEventBus(events *bus.Bus) CLIOption {
	return func(p *CLIProvider) { p.events = events }
}

// WithRetryConfig overrides the transient-failure retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) CLIOption {
	return func(p *CLIProvider) { p.retry = cfg }
}

// NewCLIProvider creates a provider over the board CLI.
func NewCLIProvider(binPath string, opts ...CLIOption) *CLIProvider {
	if binPath == "" {
		binPath = "board"
	}
	retry := resilience.DefaultRetryConfig()
	retry.BaseDelay = 500 * time.Millisecond
	p := &CLIProvider{
		BinPath: binPath,
		Dir:     ".",
		logger:  logging.Component("kanban"),
		breaker: resilience.NewBreaker("kanban", resilience.DefaultBreakerConfig()),
		retry:   retry,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetAllTasks lists every issue and resolves original-id dependencies.
func (p *CLIProvider) GetAllTasks(ctx context.Context) ([]model.Task, error) {
	out, err := p.run(ctx, "list", "--all", "--json", "--quiet", "--limit", "0")
	if err != nil {
		return nil, fmt.Errorf("board list: %w", err)
	}

	var issues []boardIssue
	if len(out) > 0 {
		if err := json.Unmarshal(out, &issues); err != nil {
			return nil, fmt.Errorf("parse board list: %w", err)
		}
	}

	tasks := make([]model.Task, 0, len(issues))
	originalIDs := make(map[string]string, len(issues))
	for _, issue := range issues {
		task, originalID := toTask(issue)
		tasks = append(tasks, task)
		originalIDs[task.ID] = originalID
	}
	return ResolveDependencies(tasks, BuildOriginalIDMap(tasks, originalIDs)), nil
}

// GetAvailableTasks returns the unassigned todo subset.
func (p *CLIProvider) GetAvailableTasks(ctx context.Context) ([]model.Task, error) {
	tasks, err := p.GetAllTasks(ctx)
	if err != nil {
		return nil, err
	}
	available := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == model.StatusTodo && t.AssignedTo == "" {
			available = append(available, t)
		}
	}
	return available, nil
}

// AssignTask sets the issue assignee.
func (p *CLIProvider) AssignTask(ctx context.Context, taskID, agentID string) error {
	_, err := p.run(ctx, "update", taskID, "--assignee", agentID, "--status", boardStatusInProgress, "--json", "--quiet")
	if err != nil {
		return fmt.Errorf("board assign: %w", err)
	}
	return nil
}

// UpdateTaskStatus maps the task status onto the board's status.
func (p *CLIProvider) UpdateTaskStatus(ctx context.Context, taskID string, status model.Status) error {
	_, err := p.run(ctx, "update", taskID, "--status", toBoardStatus(status), "--json", "--quiet")
	if err != nil {
		return fmt.Errorf("board update status: %w", err)
	}
	return nil
}

// AddComment appends a comment to the issue.
func (p *CLIProvider) AddComment(ctx context.Context, taskID, text string) error {
	_, err := p.run(ctx, "comment", taskID, "--message", text, "--json", "--quiet")
	if err != nil {
		return fmt.Errorf("board comment: %w", err)
	}
	return nil
}

// CompleteTask closes the issue.
func (p *CLIProvider) CompleteTask(ctx context.Context, taskID string) error {
	_, err := p.run(ctx, "close", taskID, "--json", "--quiet")
	if err != nil {
		return fmt.Errorf("board close: %w", err)
	}
	return nil
}

// CreateTask creates an issue carrying the task metadata in its description.
func (p *CLIProvider) CreateTask(ctx context.Context, task model.Task) (model.Task, error) {
	description := EncodeDescription(task.Description, Meta{
		OriginalID:     task.ID,
		EstimatedHours: task.EstimatedHours,
		Priority:       task.Priority,
		Dependencies:   task.Dependencies,
	})

	args := []string{"create", "--title", task.Name, "--description", description, "--json", "--quiet"}
	for _, label := range task.Labels {
		args = append(args, "--add-label", label)
	}

	out, err := p.run(ctx, args...)
	if err != nil {
		return model.Task{}, fmt.Errorf("board create: %w", err)
	}

	var issue boardIssue
	if err := json.Unmarshal(out, &issue); err != nil {
		return model.Task{}, fmt.Errorf("parse board create: %w", err)
	}
	created, _ := toTask(issue)
	return created, nil
}

// run executes one CLI invocation under the breaker and retry policy.
func (p *CLIProvider) run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := resilience.ExecuteResult(ctx, p.breaker, func(ctx context.Context) ([]byte, error) {
		return resilience.RetryResult(ctx, p.retry, func(ctx context.Context) ([]byte, error) {
			return p.exec(ctx, args...)
		})
	})
	if err != nil && p.events != nil {
		p.events.Publish(ctx, bus.EventKanbanError, "kanban", map[string]any{
			"command": strings.Join(args, " "),
			"error":   err.Error(),
		}, nil)
	}
	return out, err
}

func (p *CLIProvider) exec(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.BinPath, args...)
	cmd.Dir = p.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = os.Environ()

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("exec %s %v: %w (stderr: %s)", p.BinPath, args, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// toTask converts a board issue, decoding the description metadata. The
// second return is the embedded original id, if any.
func toTask(issue boardIssue) (model.Task, string) {
	body, meta := ParseDescription(issue.Description)

	task := model.Task{
		ID:          issue.ID,
		Name:        issue.Title,
		Description: body,
		Status:      fromBoardStatus(issue.Status),
		AssignedTo:  issue.Assignee,
		Labels:      issue.Labels,
	}
	task.Priority = fromBoardPriority(issue.Priority)
	if meta.Priority != "" {
		task.Priority = meta.Priority
	}
	task.EstimatedHours = meta.EstimatedHours
	task.Dependencies = meta.Dependencies
	if created, err := time.Parse(time.RFC3339, issue.CreatedAt); err == nil {
		task.CreatedAt = created
	}
	if updated, err := time.Parse(time.RFC3339, issue.UpdatedAt); err == nil {
		task.UpdatedAt = updated
	}
	return task, meta.OriginalID
}

func toBoardStatus(status model.Status) string {
	switch status {
	case model.StatusInProgress:
		return boardStatusInProgress
	case model.StatusBlocked:
		return boardStatusBlocked
	case model.StatusDone:
		return boardStatusClosed
	default:
		return boardStatusOpen
	}
}

func fromBoardStatus(status string) model.Status {
	switch status {
	case boardStatusInProgress:
		return model.StatusInProgress
	case boardStatusBlocked:
		return model.StatusBlocked
	case boardStatusClosed:
		return model.StatusDone
	default:
		return model.StatusTodo
	}
}

// fromBoardPriority maps the board's p0-p3 scale.
func fromBoardPriority(priority int) model.Priority {
	switch priority {
	case 0:
		return model.PriorityUrgent
	case 1:
		return model.PriorityHigh
	case 3:
		return model.PriorityLow
	default:
		return model.PriorityMedium
	}
}
