package processor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tidemark/outboxd/pkg/config"
	"github.com/tidemark/outboxd/pkg/health"
	"github.com/tidemark/outboxd/pkg/store"
)

// memStore is an in-memory OutBoxRepository for loop tests. Claimed events
// are held by their batch until Commit or Rollback, mirroring the row locks
// a claiming transaction keeps open.
type memStore struct {
	mu        sync.Mutex
	events    []*store.OutboxEvent
	claimed   map[string]bool
	commits   int
	rollbacks int
}

func (m *memStore) add(eventType string, payload string) *store.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := store.NewEvent(eventType, json.RawMessage(payload))
	e.CreatedAt = time.Unix(0, int64(len(m.events))*int64(time.Millisecond))
	m.events = append(m.events, e)
	return e
}

func (m *memStore) Enqueue(_ context.Context, _ *sql.Tx, event *store.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) BeginBatch(context.Context) (store.Batch, error) {
	return &memBatch{s: m}, nil
}

func (m *memStore) get(id string) *store.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			return e
		}
	}
	return nil
}

type memBatch struct {
	s   *memStore
	ids []string
}

func (b *memBatch) ClaimPending(_ context.Context, limit int) ([]store.OutboxEvent, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if b.s.claimed == nil {
		b.s.claimed = make(map[string]bool)
	}
	var pending []*store.OutboxEvent
	for _, e := range b.s.events {
		if e.Pending() && !b.s.claimed[e.ID] {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]store.OutboxEvent, len(pending))
	for i, e := range pending {
		b.s.claimed[e.ID] = true
		b.ids = append(b.ids, e.ID)
		out[i] = *e
	}
	return out, nil
}

func (b *memBatch) release() {
	for _, id := range b.ids {
		delete(b.s.claimed, id)
	}
	b.ids = nil
}

func (b *memBatch) MarkProcessed(_ context.Context, eventID string) error {
	e := b.s.get(eventID)
	now := time.Now()
	e.ProcessedAt = &now
	return nil
}

func (b *memBatch) RecordFailure(_ context.Context, eventID string, attempts int, lastError string) error {
	e := b.s.get(eventID)
	e.Attempts = attempts
	e.LastError = lastError
	return nil
}

func (b *memBatch) DeadLetter(_ context.Context, eventID string, attempts int, lastError string) error {
	e := b.s.get(eventID)
	e.Attempts = attempts
	e.LastError = lastError
	now := time.Now()
	e.DeadLetteredAt = &now
	return nil
}

func (b *memBatch) Enqueue(ctx context.Context, event *store.OutboxEvent) error {
	return b.s.Enqueue(ctx, nil, event)
}

func (b *memBatch) Commit() error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.s.commits++
	b.release()
	return nil
}

func (b *memBatch) Rollback() error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.s.rollbacks++
	b.release()
	return nil
}

func newTestProcessor(repo store.OutBoxRepository, registry *Registry, batchSize, maxAttempts int) *Processor {
	cfg := &config.Settings{
		Worker: config.WorkerSettings{BatchSize: batchSize, MaxAttempts: maxAttempts},
	}
	return NewProcessor(repo, registry, cfg, zap.NewNop(), health.NewMonitor(time.Minute))
}

func TestRunOnce_HappyPath(t *testing.T) {
	repo := &memStore{}
	event := repo.add("item_upserted", `{"item_id":"I1","org_id":"O1"}`)

	var handled []string
	registry := NewRegistry()
	registry.MustRegister("item_upserted", HandlerFunc(
		func(_ context.Context, e store.OutboxEvent, _ Enqueuer) error {
			handled = append(handled, e.ID)
			return nil
		}))

	proc := newTestProcessor(repo, registry, 10, 3)
	n, err := proc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{event.ID}, handled)
	assert.NotNil(t, repo.get(event.ID).ProcessedAt)
	assert.Nil(t, repo.get(event.ID).DeadLetteredAt)
	assert.Equal(t, 1, repo.commits)
}

func TestRunOnce_TransientThenSuccess(t *testing.T) {
	repo := &memStore{}
	event := repo.add("item_upserted", `{"item_id":"I1"}`)

	calls := 0
	registry := NewRegistry()
	registry.MustRegister("item_upserted", HandlerFunc(
		func(context.Context, store.OutboxEvent, Enqueuer) error {
			calls++
			if calls == 1 {
				return errors.New("search timeout")
			}
			return nil
		}))

	proc := newTestProcessor(repo, registry, 10, 3)
	ctx := context.Background()

	n, err := proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, repo.get(event.ID).Attempts)
	assert.Equal(t, "search timeout", repo.get(event.ID).LastError)
	assert.Nil(t, repo.get(event.ID).ProcessedAt)

	n, err = proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, repo.get(event.ID).Attempts)
	assert.NotNil(t, repo.get(event.ID).ProcessedAt)
	assert.Nil(t, repo.get(event.ID).DeadLetteredAt)
}

func TestRunOnce_DeadLetterBoundary(t *testing.T) {
	repo := &memStore{}
	event := repo.add("item_upserted", `{"item_id":"I1"}`)

	calls := 0
	registry := NewRegistry()
	registry.MustRegister("item_upserted", HandlerFunc(
		func(context.Context, store.OutboxEvent, Enqueuer) error {
			calls++
			return errors.New("permanent failure")
		}))

	proc := newTestProcessor(repo, registry, 10, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		n, err := proc.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, repo.get(event.ID).Attempts)
	assert.NotNil(t, repo.get(event.ID).DeadLetteredAt)
	assert.Nil(t, repo.get(event.ID).ProcessedAt)

	// A dead-lettered event is never claimed again.
	n, err := proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 3, calls)
}

func TestRunOnce_UnknownEventType(t *testing.T) {
	repo := &memStore{}
	event := repo.add("mystery_event", `{}`)

	proc := newTestProcessor(repo, NewRegistry(), 10, 2)
	ctx := context.Background()

	n, err := proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, repo.get(event.ID).LastError, "no handler registered")

	_, err = proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.NotNil(t, repo.get(event.ID).DeadLetteredAt)
}

func TestRunOnce_HandlerPanicIsContained(t *testing.T) {
	repo := &memStore{}
	event := repo.add("item_upserted", `{}`)

	registry := NewRegistry()
	registry.MustRegister("item_upserted", HandlerFunc(
		func(context.Context, store.OutboxEvent, Enqueuer) error {
			panic("boom")
		}))

	proc := newTestProcessor(repo, registry, 10, 3)
	n, err := proc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, repo.get(event.ID).LastError, "handler panicked")
	assert.Nil(t, repo.get(event.ID).ProcessedAt)
}

func TestRunOnce_ChainedEnqueue(t *testing.T) {
	repo := &memStore{}
	repo.add("mailbox_sync_requested", `{"org_id":"O1","account_id":"A1"}`)

	var chained []string
	registry := NewRegistry()
	registry.MustRegister("mailbox_sync_requested", HandlerFunc(
		func(ctx context.Context, _ store.OutboxEvent, chain Enqueuer) error {
			return chain.Enqueue(ctx, "item_upserted", map[string]string{"org_id": "O1", "item_id": "I9"})
		}))
	registry.MustRegister("item_upserted", HandlerFunc(
		func(_ context.Context, e store.OutboxEvent, _ Enqueuer) error {
			chained = append(chained, string(e.Payload))
			return nil
		}))

	proc := newTestProcessor(repo, registry, 10, 3)
	ctx := context.Background()

	n, err := proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, chained, 1)
	assert.JSONEq(t, `{"org_id":"O1","item_id":"I9"}`, chained[0])
}

func TestRunOnce_DispatchOrderIsOldestFirst(t *testing.T) {
	repo := &memStore{}
	for i := 0; i < 5; i++ {
		repo.add("item_upserted", fmt.Sprintf(`{"item_id":"I%d"}`, i))
	}

	var order []string
	registry := NewRegistry()
	registry.MustRegister("item_upserted", HandlerFunc(
		func(_ context.Context, e store.OutboxEvent, _ Enqueuer) error {
			order = append(order, string(e.Payload))
			return nil
		}))

	proc := newTestProcessor(repo, registry, 10, 3)
	_, err := proc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		`{"item_id":"I0"}`, `{"item_id":"I1"}`, `{"item_id":"I2"}`, `{"item_id":"I3"}`, `{"item_id":"I4"}`,
	}, order)
}

func TestConcurrentClaims_AreDisjoint(t *testing.T) {
	repo := &memStore{}
	for i := 0; i < 10; i++ {
		repo.add("item_upserted", fmt.Sprintf(`{"item_id":"I%d"}`, i))
	}
	ctx := context.Background()

	b1, err := repo.BeginBatch(ctx)
	require.NoError(t, err)
	b2, err := repo.BeginBatch(ctx)
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		first  []store.OutboxEvent
		second []store.OutboxEvent
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		first, _ = b1.ClaimPending(ctx, 6)
	}()
	go func() {
		defer wg.Done()
		second, _ = b2.ClaimPending(ctx, 6)
	}()
	wg.Wait()

	seen := make(map[string]int)
	for _, e := range first {
		seen[e.ID]++
	}
	for _, e := range second {
		seen[e.ID]++
	}
	assert.Len(t, seen, 10)
	for id, n := range seen {
		assert.Equal(t, 1, n, "event %s claimed by both batches", id)
	}

	// A rolled-back batch releases its claims for the next claimant; a
	// committed batch keeps its processed events out of circulation.
	for _, e := range first {
		require.NoError(t, b1.MarkProcessed(ctx, e.ID))
	}
	require.NoError(t, b1.Commit())
	require.NoError(t, b2.Rollback())

	b3, err := repo.BeginBatch(ctx)
	require.NoError(t, err)
	reclaimed, err := b3.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, reclaimed, len(second))
	require.NoError(t, b3.Rollback())
}

// cancelWaiter cancels the run context the first time the loop goes idle.
type cancelWaiter struct {
	cancel context.CancelFunc
	waits  int
}

func (w *cancelWaiter) Wait(context.Context) {
	w.waits++
	w.cancel()
}

func TestRun_FullBatchSkipsWait(t *testing.T) {
	repo := &memStore{}
	repo.add("item_upserted", `{"item_id":"I1"}`)
	repo.add("item_upserted", `{"item_id":"I2"}`)

	registry := NewRegistry()
	registry.MustRegister("item_upserted", HandlerFunc(
		func(context.Context, store.OutboxEvent, Enqueuer) error { return nil }))

	proc := newTestProcessor(repo, registry, 1, 3)
	ctx, cancel := context.WithCancel(context.Background())
	waiter := &cancelWaiter{cancel: cancel}

	err := proc.Run(ctx, waiter)
	require.NoError(t, err)

	// Two full single-event batches ran back to back; the loop only waited
	// once the queue drained.
	assert.Equal(t, 1, waiter.waits)
	for _, e := range repo.events {
		assert.NotNil(t, e.ProcessedAt)
	}
}
