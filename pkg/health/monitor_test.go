package health

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMonitor_HealthyTracksHeartbeat(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	m := NewMonitor(time.Minute)
	m.now = func() time.Time { return now }
	m.CycleComplete(0, 10*time.Millisecond)

	assert.True(t, m.Healthy())

	now = now.Add(61 * time.Second)
	assert.False(t, m.Healthy())

	now = now.Add(time.Second)
	m.CycleComplete(3, 20*time.Millisecond)
	assert.True(t, m.Healthy())
}

func TestMonitor_StartsHealthy(t *testing.T) {
	// A freshly started worker has no cycle yet but is not stale.
	m := NewMonitor(time.Minute)
	assert.True(t, m.Healthy())
}

func TestMonitor_MetricsExposition(t *testing.T) {
	m := NewMonitor(time.Minute)
	m.CycleComplete(2, 50*time.Millisecond)
	m.EventProcessed()
	m.EventRetried()
	m.EventDeadLettered()

	rec := httptest.NewRecorder()
	m.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `outbox_worker_batches_total 1`)
	assert.Contains(t, string(body), `outbox_worker_events_total{outcome="processed"} 1`)
	assert.Contains(t, string(body), `outbox_worker_events_total{outcome="retried"} 1`)
	assert.Contains(t, string(body), `outbox_worker_events_total{outcome="dead_lettered"} 1`)
	assert.Contains(t, string(body), `outbox_worker_batch_events_sum 2`)
	assert.Contains(t, string(body), `outbox_worker_batch_events_count 1`)
	assert.Contains(t, string(body), `outbox_worker_last_cycle_timestamp_seconds`)
}

func TestHandleHealth(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	m := NewMonitor(time.Minute)
	m.now = func() time.Time { return now }
	m.CycleComplete(1, time.Millisecond)

	s := NewServer(0, m, zap.NewNop())

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"status":"ok","last_cycle":"2026-08-30T12:00:00Z"}`, rec.Body.String())

	now = now.Add(2 * time.Minute)
	rec = httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 503, rec.Code)
	assert.JSONEq(t, `{"status":"stale","last_cycle":"2026-08-30T12:00:00Z"}`, rec.Body.String())
}
