package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
	failed  *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking notifications written to the
// event index.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "events",
				Name:      "indexed_total",
				Help:      "Count of escrow notifications indexed, segmented by type.",
			}, []string{"type"}),
			failed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "events",
				Name:      "index_failures_total",
				Help:      "Count of escrow notifications that could not be indexed.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.failed)
	})
	return eventRegistry
}

// RecordIndexed increments the indexed counter for the supplied event type.
func (m *eventMetrics) RecordIndexed(eventType string) {
	if m == nil {
		return
	}
	m.emitted.WithLabelValues(normalizeEventType(eventType)).Inc()
}

// RecordFailure increments the failure counter for the supplied event type.
func (m *eventMetrics) RecordFailure(eventType string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(normalizeEventType(eventType)).Inc()
}

func normalizeEventType(eventType string) string {
	normalized := strings.ToLower(strings.TrimSpace(eventType))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
