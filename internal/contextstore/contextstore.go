package contextstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"

	"github.com/taskherd/taskherd/internal/bus"
	"github.com/taskherd/taskherd/internal/logging"
	"github.com/taskherd/taskherd/internal/resilience"
	"github.com/taskherd/taskherd/internal/storage"
)

const source = "context_store"

// storedPattern is the shape read from an implementation's patterns list.
type storedPattern struct {
	Type string `mapstructure:"type"`
}

// ContextStore owns implementations, decisions, and extracted patterns.
type ContextStore struct {
	logger zerolog.Logger
	events *bus.Bus
	store  storage.Store // optional

	mu              sync.Mutex
	implementations map[string]map[string]any
	dependentTasks  map[string][]DependentTask
	decisions       []Decision
	patterns        map[string][]PatternEntry
	nextDecisionID  int
}

// New creates a context store. The storage backend may be nil; persistence is
// best-effort either way.
func New(events *bus.Bus, store storage.Store) *ContextStore {
	return &ContextStore{
		logger:          logging.Component("context-store"),
		events:          events,
		store:           store,
		implementations: make(map[string]map[string]any),
		dependentTasks:  make(map[string][]DependentTask),
		patterns:        make(map[string][]PatternEntry),
	}
}

// AddImplementation stores implementation details for a task and indexes any
// patterns it carries. Persistence failure is logged but non-fatal.
func (c *ContextStore) AddImplementation(ctx context.Context, taskID string, details map[string]any) {
	record := make(map[string]any, len(details)+1)
	for k, v := range details {
		record[k] = v
	}
	record[storage.StoredAtField] = time.Now().Format(time.RFC3339)

	c.mu.Lock()
	c.implementations[taskID] = record
	if rawPatterns, ok := details["patterns"].([]any); ok {
		for _, raw := range rawPatterns {
			pattern, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			var meta storedPattern
			if err := mapstructure.Decode(pattern, &meta); err != nil || meta.Type == "" {
				continue
			}
			c.patterns[meta.Type] = append(c.patterns[meta.Type], PatternEntry{TaskID: taskID, Pattern: pattern})
		}
	}
	c.mu.Unlock()

	c.persist(ctx, storage.CollectionImplementations, taskID, details)
	c.events.Publish(ctx, bus.EventImplementationFound, source, map[string]any{
		"task_id": taskID,
	}, nil)
}

// AddDependency records that dependent expects an interface from taskID.
func (c *ContextStore) AddDependency(ctx context.Context, taskID string, dependent DependentTask) {
	c.mu.Lock()
	c.dependentTasks[taskID] = append(c.dependentTasks[taskID], dependent)
	c.mu.Unlock()

	c.events.Publish(ctx, bus.EventDependencyDetected, source, map[string]any{
		"task_id":           taskID,
		"dependent_task_id": dependent.TaskID,
		"dependency_type":   string(dependent.DependencyType),
	}, nil)
}

// LogDecision records an immutable architectural decision and returns it.
func (c *ContextStore) LogDecision(ctx context.Context, agentID, taskID, what, why, impact string) Decision {
	c.mu.Lock()
	c.nextDecisionID++
	decision := Decision{
		DecisionID: fmt.Sprintf("decision_%d", c.nextDecisionID),
		TaskID:     taskID,
		AgentID:    agentID,
		Timestamp:  time.Now(),
		What:       what,
		Why:        why,
		Impact:     impact,
	}
	c.decisions = append(c.decisions, decision)
	c.mu.Unlock()

	c.persist(ctx, storage.CollectionDecisions, decision.DecisionID, map[string]any{
		"decision_id": decision.DecisionID,
		"task_id":     decision.TaskID,
		"agent_id":    decision.AgentID,
		"timestamp":   decision.Timestamp.Format(time.RFC3339),
		"what":        decision.What,
		"why":         decision.Why,
		"impact":      decision.Impact,
	})
	c.events.Publish(ctx, bus.EventDecisionLogged, source, map[string]any{
		"decision_id": decision.DecisionID,
		"task_id":     taskID,
		"agent_id":    agentID,
	}, nil)
	return decision
}

// GetContext assembles the context bundle a task needs given its dependency
// task ids.
func (c *ContextStore) GetContext(ctx context.Context, taskID string, dependencyIDs []string) TaskContext {
	c.mu.Lock()

	result := TaskContext{
		TaskID:                  taskID,
		PreviousImplementations: make(map[string]map[string]any),
		RelatedPatterns:         make(map[string][]PatternEntry),
	}

	for _, depID := range dependencyIDs {
		if impl, ok := c.implementations[depID]; ok {
			result.PreviousImplementations[depID] = impl
		}
	}

	result.DependentTasks = append(result.DependentTasks, c.dependentTasks[taskID]...)

	for patternType, entries := range c.patterns {
		recent := entries
		if len(recent) > 3 {
			recent = recent[len(recent)-3:]
		}
		result.RelatedPatterns[patternType] = append([]PatternEntry(nil), recent...)
	}

	depSet := make(map[string]bool, len(dependencyIDs))
	for _, depID := range dependencyIDs {
		depSet[depID] = true
	}
	for _, decision := range c.decisions {
		if depSet[decision.TaskID] || strings.Contains(decision.Impact, taskID) {
			result.ArchitecturalDecisions = append(result.ArchitecturalDecisions, decision)
		}
	}
	sort.Slice(result.ArchitecturalDecisions, func(i, j int) bool {
		return result.ArchitecturalDecisions[i].Timestamp.After(result.ArchitecturalDecisions[j].Timestamp)
	})
	if len(result.ArchitecturalDecisions) > 5 {
		result.ArchitecturalDecisions = result.ArchitecturalDecisions[:5]
	}
	c.mu.Unlock()

	c.events.Publish(ctx, bus.EventContextUpdated, source, map[string]any{
		"task_id":         taskID,
		"implementations": len(result.PreviousImplementations),
		"dependents":      len(result.DependentTasks),
		"decisions":       len(result.ArchitecturalDecisions),
	}, nil)
	return result
}

// DecisionsForTask returns all decisions recorded for a task.
func (c *ContextStore) DecisionsForTask(taskID string) []Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Decision
	for _, decision := range c.decisions {
		if decision.TaskID == taskID {
			out = append(out, decision)
		}
	}
	return out
}

// ClearOldData prunes implementations and decisions older than the cutoff,
// in memory and in storage.
func (c *ContextStore) ClearOldData(ctx context.Context, days int) {
	cutoff := time.Now().AddDate(0, 0, -days)

	c.mu.Lock()
	for taskID, impl := range c.implementations {
		if raw, ok := impl[storage.StoredAtField].(string); ok {
			if ts, err := time.Parse(time.RFC3339, raw); err == nil && ts.Before(cutoff) {
				delete(c.implementations, taskID)
			}
		}
	}
	kept := c.decisions[:0]
	for _, decision := range c.decisions {
		if !decision.Timestamp.Before(cutoff) {
			kept = append(kept, decision)
		}
	}
	c.decisions = kept
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	for _, collection := range []string{storage.CollectionImplementations, storage.CollectionDecisions} {
		if _, err := c.store.ClearOlderThan(ctx, collection, days); err != nil {
			c.logger.Warn().Err(err).Str("collection", collection).Msg("sweep failed")
		}
	}
}

func (c *ContextStore) persist(ctx context.Context, collection, key string, value map[string]any) {
	if c.store == nil {
		return
	}
	_ = resilience.Fallback(ctx, "persist "+collection,
		func(ctx context.Context) error { return c.store.Store(ctx, collection, key, value) },
		func(ctx context.Context) error { return nil },
	)
}
