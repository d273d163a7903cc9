package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskherd/taskherd/internal/bus"
	"github.com/taskherd/taskherd/internal/contextstore"
	"github.com/taskherd/taskherd/internal/coordinator"
	"github.com/taskherd/taskherd/internal/inference"
	"github.com/taskherd/taskherd/internal/memory"
	"github.com/taskherd/taskherd/internal/model"
)

func newTestServer(t *testing.T) (*Server, *coordinator.Coordinator, *bus.Bus) {
	t.Helper()
	events := bus.New()
	cfg, err := inference.PresetConfig("pattern_only")
	require.NoError(t, err)
	inferer, err := inference.New(cfg)
	require.NoError(t, err)
	c := coordinator.New(events, contextstore.New(events, nil), memory.New(events), inferer, nil)
	return NewServer(c, events, cfg.MaxDependencyChainLength), c, events
}

func TestHandleAgents_ReturnsRoster(t *testing.T) {
	t.Parallel()

	server, c, _ := newTestServer(t)
	c.RegisterAgent(context.Background(), model.Agent{ID: "agent-1", Name: "Builder", Role: "backend"})

	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/api/agents", nil))
	require.Equal(t, 200, rec.Code)

	var agents []model.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-1", agents[0].ID)
}

func TestHandleGraph_NotFoundBeforeFirstRefresh(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/api/graph", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestHandleEvents_FiltersByType(t *testing.T) {
	t.Parallel()

	server, _, events := newTestServer(t)
	ctx := context.Background()
	events.Publish(ctx, bus.EventTaskProgress, "test", map[string]any{"task_id": "t-1"}, nil)
	events.Publish(ctx, bus.EventTaskBlocked, "test", map[string]any{"task_id": "t-2"}, nil)

	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/api/events?type="+bus.EventTaskBlocked, nil))
	require.Equal(t, 200, rec.Code)

	var got []bus.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, bus.EventTaskBlocked, got[0].EventType)
}

func TestHandleEvents_RejectsBadLimit(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/api/events?limit=zero", nil))
	assert.Equal(t, 400, rec.Code)
}
