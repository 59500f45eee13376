// Package health tracks worker liveness and exposes it, together with
// processing counters, over a small HTTP listener. It is purely
// observational: nothing here feeds back into dispatch decisions, but it is
// the only external signal that a worker has wedged.
package health

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for the events counter.
const (
	OutcomeProcessed    = "processed"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
)

// Monitor records cycle heartbeats and Prometheus counters for one worker
// process. The heartbeat must advance after every cycle, including cycles
// that processed zero events; a stuck handler therefore shows up as
// staleness.
type Monitor struct {
	staleAfter time.Duration
	now        func() time.Time

	mu        sync.Mutex
	lastCycle time.Time

	registry      *prometheus.Registry
	batchesTotal  prometheus.Counter
	eventsTotal   *prometheus.CounterVec
	batchEvents   prometheus.Histogram
	cycleDuration prometheus.Histogram
	lastCycleUnix prometheus.Gauge
}

func NewMonitor(staleAfter time.Duration) *Monitor {
	m := &Monitor{
		staleAfter: staleAfter,
		now:        time.Now,
		registry:   prometheus.NewRegistry(),
		batchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_worker_batches_total",
			Help: "Total number of completed batch cycles.",
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_worker_events_total",
			Help: "Total number of dispatched events by outcome.",
		}, []string{"outcome"}),
		batchEvents: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_worker_batch_events",
			Help:    "Events claimed per batch cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_worker_cycle_duration_seconds",
			Help:    "Duration of one claim-dispatch-commit cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		lastCycleUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_worker_last_cycle_timestamp_seconds",
			Help: "Unix time of the last completed cycle.",
		}),
	}
	m.lastCycle = m.now()
	m.registry.MustRegister(m.batchesTotal, m.eventsTotal, m.batchEvents, m.cycleDuration, m.lastCycleUnix)
	return m
}

// CycleComplete advances the heartbeat and observes the cycle metrics.
func (m *Monitor) CycleComplete(events int, d time.Duration) {
	now := m.now()

	m.mu.Lock()
	m.lastCycle = now
	m.mu.Unlock()

	m.batchesTotal.Inc()
	m.batchEvents.Observe(float64(events))
	m.cycleDuration.Observe(d.Seconds())
	m.lastCycleUnix.Set(float64(now.Unix()))
}

func (m *Monitor) EventProcessed()    { m.eventsTotal.WithLabelValues(OutcomeProcessed).Inc() }
func (m *Monitor) EventRetried()      { m.eventsTotal.WithLabelValues(OutcomeRetried).Inc() }
func (m *Monitor) EventDeadLettered() { m.eventsTotal.WithLabelValues(OutcomeDeadLettered).Inc() }

// LastCycle returns the time of the last completed cycle.
func (m *Monitor) LastCycle() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCycle
}

// Healthy reports whether the worker completed a cycle within the staleness
// threshold.
func (m *Monitor) Healthy() bool {
	return m.now().Sub(m.LastCycle()) <= m.staleAfter
}

// MetricsHandler serves this monitor's registry in Prometheus exposition
// format.
func (m *Monitor) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
