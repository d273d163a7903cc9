// Package storage provides durable key/value persistence over named
// collections, with interchangeable file and SQLite backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StoredAtField is the timestamp attribute added to every stored record.
const StoredAtField = "_stored_at"

// storedAtLayout is RFC3339 with fixed-width nanoseconds so stored timestamps
// sort lexicographically in SQL.
const storedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Well-known collection names written by the engine. Downstream tooling
// queries these by name, so they are stable.
const (
	CollectionEvents          = "events"
	CollectionDecisions       = "decisions"
	CollectionImplementations = "implementations"
	CollectionTaskOutcomes    = "task_outcomes"
	CollectionAgentProfiles   = "agent_profiles"
	CollectionProjectTasks    = "project_tasks"
	CollectionActiveTasks     = "active_tasks"
	CollectionAgents          = "agents"
	CollectionAnalysisResults = "analysis_results"
)

// ErrStorage marks persistence backend failures.
var ErrStorage = errors.New("storage failure")

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// Filter is an optional predicate applied to query results after ordering.
type Filter func(record map[string]any) bool

// Store is a durable key/value store over named collections. Query returns
// records newest-first; the filter runs after ordering and limit caps the
// final list. Retrieve returns nil for a missing key.
type Store interface {
	Store(ctx context.Context, collection, key string, value map[string]any) error
	Retrieve(ctx context.Context, collection, key string) (map[string]any, error)
	Query(ctx context.Context, collection string, filter Filter, limit int) ([]map[string]any, error)
	Delete(ctx context.Context, collection, key string) error
	ClearOlderThan(ctx context.Context, collection string, days int) (int, error)
}

func parseStoredAt(record map[string]any) (time.Time, bool) {
	raw, ok := record[StoredAtField].(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
