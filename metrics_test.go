package pipemux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counts(t *testing.T) {
	m := NewMetrics()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.Record(ctx, "alpha", MethodCallTool, 50*time.Millisecond, true)
	}
	m.Record(ctx, "alpha", MethodCallTool, 5*time.Second, false)
	m.Record(ctx, "beta", MethodReadResource, 5*time.Second, false)

	snap := m.Snapshot()
	assert.Equal(t, 5, snap.RequestsTotal)
	assert.Equal(t, 3, snap.RequestsSuccess)
	assert.Equal(t, 2, snap.RequestsFailed)
	// Failed requests contribute no latency samples.
	assert.Equal(t, 50.0, snap.LatencyMaxMs)
}

func TestMetrics_ExactAverage(t *testing.T) {
	m := NewMetrics()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		m.Record(ctx, "alpha", MethodCallTool, 100*time.Millisecond, true)
	}
	assert.Equal(t, 100.0, m.AverageResponseTimeMs())

	// A failure must not skew the mean.
	m.Record(ctx, "alpha", MethodCallTool, time.Hour, false)
	assert.Equal(t, 100.0, m.AverageResponseTimeMs())
}

func TestMetrics_SnapshotPercentiles(t *testing.T) {
	m := NewMetrics()
	ctx := context.Background()

	// 10..100ms recorded out of order; the snapshot sorts.
	for _, ms := range []int{40, 10, 100, 70, 20, 90, 30, 60, 50, 80} {
		m.Record(ctx, "alpha", MethodCallTool, time.Duration(ms)*time.Millisecond, true)
	}

	snap := m.Snapshot()
	assert.Equal(t, 10.0, snap.LatencyMinMs)
	assert.Equal(t, 100.0, snap.LatencyMaxMs)
	assert.Equal(t, 55.0, snap.LatencyAvgMs)
	assert.Equal(t, 60.0, snap.LatencyP50Ms)
	assert.Equal(t, 100.0, snap.LatencyP95Ms)
	assert.Equal(t, 100.0, snap.LatencyP99Ms)
}

func TestMetrics_Empty(t *testing.T) {
	m := NewMetrics()
	assert.Equal(t, 0.0, m.AverageResponseTimeMs())

	snap := m.Snapshot()
	assert.Equal(t, 0, snap.RequestsTotal)
	assert.Equal(t, 0.0, snap.LatencyAvgMs)
	assert.Equal(t, 0.0, snap.LatencyMaxMs)
}
