package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type gatewayMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	gatewayMetricsOnce sync.Once
	gatewayRegistry    *gatewayMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// Gateway returns the lazily-initialised metrics registry used to record
// escrow gateway HTTP activity.
func Gateway() *gatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &gatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total gateway requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "gateway",
				Name:      "errors_total",
				Help:      "Total gateway errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "valyra",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Count of gateway requests rejected due to throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.errors,
			gatewayRegistry.latency,
			gatewayRegistry.throttles,
		)
	})
	return gatewayRegistry
}

// Observe records the outcome of a gateway request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *gatewayMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOr(route, "unknown")
	method = labelOr(method, "unknown")
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *gatewayMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(route, "unknown"), labelOr(reason, "unspecified")).Inc()
}

// EscrowMetrics wraps collectors tracking the escrow engine. It satisfies the
// engine's Metrics hook.
type EscrowMetrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	settlements *prometheus.CounterVec
	settled     *prometheus.CounterVec
	emergency   prometheus.Gauge
}

// Escrow exposes the metrics registry for the escrow engine.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Count of escrow operations segmented by operation and outcome kind.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "valyra",
				Subsystem: "escrow",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for escrow operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Count of committed escrow state transitions segmented by target state.",
			}, []string{"state"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "escrow",
				Name:      "payouts_total",
				Help:      "Count of payouts from the escrow vault segmented by kind.",
			}, []string{"kind"}),
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "escrow",
				Name:      "payout_amount_total",
				Help:      "Sum of amounts paid from the escrow vault in base units, segmented by kind.",
			}, []string{"kind"}),
			emergency: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "valyra",
				Subsystem: "escrow",
				Name:      "emergency_active",
				Help:      "Indicates whether emergency mode is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.latency,
			escrowRegistry.transitions,
			escrowRegistry.settlements,
			escrowRegistry.settled,
			escrowRegistry.emergency,
		)
	})
	return escrowRegistry
}

// ObserveOperation records the outcome kind and latency of an engine call.
func (m *EscrowMetrics) ObserveOperation(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	op = labelOr(op, "unknown")
	m.operations.WithLabelValues(op, labelOr(outcome, "unknown")).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveTransition counts a committed state change.
func (m *EscrowMetrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelOr(state, "unknown")).Inc()
}

// ObserveSettlement counts a vault payout and its amount.
func (m *EscrowMetrics) ObserveSettlement(kind string, amount *big.Int) {
	if m == nil {
		return
	}
	kind = labelOr(kind, "unknown")
	m.settlements.WithLabelValues(kind).Inc()
	m.settled.WithLabelValues(kind).Add(bigToFloat(amount))
}

// SetEmergency toggles the emergency_active gauge.
func (m *EscrowMetrics) SetEmergency(active bool) {
	if m == nil {
		return
	}
	if active {
		m.emergency.Set(1)
		return
	}
	m.emergency.Set(0)
}

func labelOr(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil || value.Sign() < 0 {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
