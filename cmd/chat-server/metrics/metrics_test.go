package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTakeSnapshotReflectsCounters(t *testing.T) {
	promReg := prometheus.NewRegistry()
	r := New(promReg)

	r.ConnectionsTotal.Inc()
	r.ConnectionsTotal.Inc()
	r.ConnectionsActive.Set(7)
	r.DroppedEvents.Inc()
	r.MessagesByOutcome.WithLabelValues("chat", "handled").Add(3)
	r.QueueSize.WithLabelValues("engine").Set(12)
	r.PoolSize.WithLabelValues("read", "idle").Set(4)

	snap, err := r.TakeSnapshot(promReg)
	require.NoError(t, err)

	assert.Equal(t, float64(2), snap.ConnectionsTotal)
	assert.Equal(t, float64(7), snap.ConnectionsActive)
	assert.Equal(t, float64(1), snap.DroppedEvents)
	assert.Equal(t, float64(3), snap.MessagesByOutcome["chat/handled"])
	assert.Equal(t, float64(12), snap.QueueSizes["engine"])
	assert.Equal(t, float64(4), snap.PoolSizes["read/idle"])
}

func TestTakeSnapshotOnEmptyRegistry(t *testing.T) {
	promReg := prometheus.NewRegistry()
	r := New(promReg)

	snap, err := r.TakeSnapshot(promReg)
	require.NoError(t, err)
	assert.Zero(t, snap.ConnectionsTotal)
	assert.Empty(t, snap.MessagesByOutcome)
	assert.Zero(t, snap.ThroughputPerSecond)
}

func TestLatencyStats(t *testing.T) {
	r := New(prometheus.NewRegistry())

	mean, p99 := r.LatencyStats()
	assert.Zero(t, mean)
	assert.Zero(t, p99)

	// 98 samples of 1ms plus two 100ms outliers. The outliers dominate
	// the p99 but barely move the mean.
	for i := 0; i < 98; i++ {
		r.ObserveProcessing(time.Millisecond)
	}
	r.ObserveProcessing(100 * time.Millisecond)
	r.ObserveProcessing(100 * time.Millisecond)

	mean, p99 = r.LatencyStats()
	assert.InDelta(t, 2.98, mean, 0.5)
	assert.Greater(t, p99, 50.0)
}

func TestLatencyWindowOverwritesOldSamples(t *testing.T) {
	r := New(prometheus.NewRegistry())

	for i := 0; i < latencyWindow; i++ {
		r.ObserveProcessing(100 * time.Millisecond)
	}
	// A full second window of fast samples must push the old ones out.
	for i := 0; i < latencyWindow; i++ {
		r.ObserveProcessing(time.Millisecond)
	}

	mean, p99 := r.LatencyStats()
	assert.InDelta(t, 1.0, mean, 0.1)
	assert.InDelta(t, 1.0, p99, 0.1)
}
