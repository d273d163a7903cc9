package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskherd/taskherd/internal/storage"
)

func TestPublish_InvokesTypeAndWildcardSubscribers(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()

	var typed, wildcard atomic.Int32
	b.Subscribe(EventTaskAssigned, func(ctx context.Context, ev Event) error {
		typed.Add(1)
		return nil
	})
	b.Subscribe(WildcardType, func(ctx context.Context, ev Event) error {
		wildcard.Add(1)
		return nil
	})

	b.Publish(ctx, EventTaskAssigned, "coordinator", map[string]any{"task_id": "t1"}, nil)
	b.Publish(ctx, EventTaskCompleted, "coordinator", nil, nil)

	assert.Equal(t, int32(1), typed.Load())
	assert.Equal(t, int32(2), wildcard.Load())
}

func TestPublish_IsolatesFailingHandler(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()

	var first, third atomic.Int32
	b.Subscribe(EventTaskAssigned, func(ctx context.Context, ev Event) error {
		first.Add(1)
		return nil
	})
	b.Subscribe(EventTaskAssigned, func(ctx context.Context, ev Event) error {
		panic("handler bug")
	})
	b.Subscribe(EventTaskAssigned, func(ctx context.Context, ev Event) error {
		third.Add(1)
		return errors.New("also unhappy")
	})

	b.Publish(ctx, EventTaskAssigned, "coordinator", nil, nil)

	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(1), third.Load())
}

func TestPublish_EventIDsAreMonotonic(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()
	e1 := b.Publish(ctx, EventTaskStarted, "memory", nil, nil)
	e2 := b.Publish(ctx, EventTaskStarted, "memory", nil, nil)
	assert.NotEqual(t, e1.EventID, e2.EventID)
	assert.Less(t, e1.EventID[:1], e2.EventID[:1])
}

func TestHistory_BoundAndFilters(t *testing.T) {
	t.Parallel()

	b := New(WithHistorySize(5))
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		b.Publish(ctx, EventTaskProgress, "agent-1", map[string]any{"n": i}, nil)
	}
	b.Publish(ctx, EventTaskBlocked, "agent-2", nil, nil)

	all := b.History("", "", 0)
	require.Len(t, all, 5)
	assert.Equal(t, EventTaskBlocked, all[4].EventType)

	blocked := b.History(EventTaskBlocked, "", 0)
	require.Len(t, blocked, 1)

	bySource := b.History("", "agent-1", 2)
	require.Len(t, bySource, 2)
	for _, ev := range bySource {
		assert.Equal(t, "agent-1", ev.Source)
	}
}

func TestWaitFor_ReceivesEvent(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	var got *Event
	go func() {
		defer wg.Done()
		got = b.WaitFor(ctx, EventKanbanConnected, time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	b.Publish(ctx, EventKanbanConnected, "kanban", nil, nil)
	wg.Wait()

	require.NotNil(t, got)
	assert.Equal(t, EventKanbanConnected, got.EventType)
}

func TestWaitFor_TimesOutCleanly(t *testing.T) {
	t.Parallel()

	b := New()
	got := b.WaitFor(context.Background(), EventKanbanConnected, 20*time.Millisecond)
	assert.Nil(t, got)

	// The temporary subscription must be gone.
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Empty(t, b.subscribers[EventKanbanConnected])
}

type flakyStore struct {
	stored atomic.Int32
}

func (s *flakyStore) Store(ctx context.Context, collection, key string, value map[string]any) error {
	s.stored.Add(1)
	return errors.New("disk full")
}

func (s *flakyStore) Retrieve(ctx context.Context, collection, key string) (map[string]any, error) {
	return nil, nil
}

func (s *flakyStore) Query(ctx context.Context, collection string, filter storage.Filter, limit int) ([]map[string]any, error) {
	return nil, nil
}

func (s *flakyStore) Delete(ctx context.Context, collection, key string) error { return nil }

func (s *flakyStore) ClearOlderThan(ctx context.Context, collection string, days int) (int, error) {
	return 0, nil
}

func TestPublish_PersistenceFailureDoesNotFailPublish(t *testing.T) {
	t.Parallel()

	store := &flakyStore{}
	b := New(WithStore(store))
	ev := b.Publish(context.Background(), EventTaskAssigned, "coordinator", nil, nil)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, int32(1), store.stored.Load())
}
