package pipemux

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsSnapshot is a point-in-time view of all request metrics.
type MetricsSnapshot struct {
	RequestsTotal   int `json:"requests_total"`
	RequestsSuccess int `json:"requests_success"`
	RequestsFailed  int `json:"requests_failed"`

	// Latency over every successful request since construction (milliseconds).
	LatencyAvgMs float64 `json:"latency_avg_ms"`
	LatencyP50Ms float64 `json:"latency_p50_ms"`
	LatencyP95Ms float64 `json:"latency_p95_ms"`
	LatencyP99Ms float64 `json:"latency_p99_ms"`
	LatencyMinMs float64 `json:"latency_min_ms"`
	LatencyMaxMs float64 `json:"latency_max_ms"`

	Timestamp time.Time `json:"timestamp"`
}

// Metrics is a thread-safe collector observing every request's outcome.
// Counters and the latency history accumulate from construction and are never
// reset; the average is the exact arithmetic mean of all observed latencies.
type Metrics struct {
	mu sync.RWMutex

	requestsTotal   int
	requestsSuccess int
	requestsFailed  int

	// Successful latencies in arrival order, plus a running sum so the mean
	// is O(1) without recomputation.
	latencies  []float64
	latencySum float64

	requestCounter   metric.Int64Counter
	latencyHistogram metric.Float64Histogram
}

// NewMetrics creates a collector. OpenTelemetry instruments come from the
// global meter provider and are no-ops unless an SDK is installed.
func NewMetrics() *Metrics {
	meter := otel.Meter("pipemux/client")

	requestCounter, _ := meter.Int64Counter(
		"pipemux.requests.total",
		metric.WithDescription("Completed worker requests by worker, method and outcome"),
	)
	latencyHistogram, _ := meter.Float64Histogram(
		"pipemux.requests.latency",
		metric.WithDescription("Successful worker request latency"),
		metric.WithUnit("ms"),
	)

	return &Metrics{
		latencies:        make([]float64, 0, 1024),
		requestCounter:   requestCounter,
		latencyHistogram: latencyHistogram,
	}
}

// Record observes one completed request. Latency is retained only for
// successful requests.
func (m *Metrics) Record(ctx context.Context, worker, method string, latency time.Duration, success bool) {
	latencyMs := float64(latency) / float64(time.Millisecond)

	m.mu.Lock()
	m.requestsTotal++
	if success {
		m.requestsSuccess++
		m.latencies = append(m.latencies, latencyMs)
		m.latencySum += latencyMs
	} else {
		m.requestsFailed++
	}
	m.mu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("worker", worker),
		attribute.String("method", method),
		attribute.Bool("success", success),
	)
	m.requestCounter.Add(ctx, 1, attrs)
	if success {
		m.latencyHistogram.Record(ctx, latencyMs, attrs)
	}
}

// AverageResponseTimeMs returns the exact arithmetic mean of all successful
// latencies since construction, or 0 with no samples.
func (m *Metrics) AverageResponseTimeMs() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.latencies) == 0 {
		return 0
	}
	return m.latencySum / float64(len(m.latencies))
}

// Snapshot returns a point-in-time copy of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		RequestsTotal:   m.requestsTotal,
		RequestsSuccess: m.requestsSuccess,
		RequestsFailed:  m.requestsFailed,
		Timestamp:       time.Now(),
	}

	if len(m.latencies) > 0 {
		latencies := make([]float64, len(m.latencies))
		copy(latencies, m.latencies)
		sort.Float64s(latencies)

		n := len(latencies)
		snapshot.LatencyMinMs = latencies[0]
		snapshot.LatencyMaxMs = latencies[n-1]
		snapshot.LatencyAvgMs = m.latencySum / float64(n)
		snapshot.LatencyP50Ms = latencies[n*50/100]
		snapshot.LatencyP95Ms = latencies[min(n*95/100, n-1)]
		snapshot.LatencyP99Ms = latencies[min(n*99/100, n-1)]
	}

	return snapshot
}
