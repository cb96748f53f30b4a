package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// latencyWindow bounds the latency sample ring. Old samples are overwritten.
const latencyWindow = 4096

// Registry holds every counter the core emits. One instance per process,
// created by the composition root and passed down.
type Registry struct {
	ConnectionsTotal         prometheus.Counter
	ConnectionsActive        prometheus.Gauge
	ConnectionsAuthenticated prometheus.Gauge
	FramesIn                 prometheus.Counter
	FramesOut                prometheus.Counter
	BytesIn                  prometheus.Counter
	BytesOut                 prometheus.Counter
	DroppedEvents            prometheus.Counter
	QueueOverflows           prometheus.Counter
	OversizedFrames          prometheus.Counter
	MessagesByOutcome        *prometheus.CounterVec
	QueueSize                *prometheus.GaugeVec
	PoolSize                 *prometheus.GaugeVec
	DbCheckoutTimeouts       prometheus.Counter
	RecoveriesTriggered      prometheus.Counter
	RecoveriesFailed         prometheus.Counter

	processed   prometheus.Counter
	latMu       sync.Mutex
	latSamples  []float64
	latNext     int
	latCount    int
	thrMu       sync.RWMutex
	throughput  float64
	lastTotal   uint64
	totalMu     sync.Mutex
	totalNumber uint64
}

// Snapshot is the JSON shape served by the admin surface.
type Snapshot struct {
	ConnectionsTotal         float64            `json:"connectionsTotal"`
	ConnectionsActive        float64            `json:"connectionsActive"`
	ConnectionsAuthenticated float64            `json:"connectionsAuthenticated"`
	MessagesByOutcome        map[string]float64 `json:"messagesByOutcome"`
	QueueSizes               map[string]float64 `json:"queueSizes"`
	PoolSizes                map[string]float64 `json:"poolSizes"`
	DroppedEvents            float64            `json:"droppedEvents"`
	QueueOverflows           float64            `json:"queueOverflows"`
	AvgProcessingLatencyMs   float64            `json:"avgProcessingLatencyMs"`
	P99ProcessingLatencyMs   float64            `json:"p99ProcessingLatencyMs"`
	ThroughputPerSecond      float64            `json:"throughputPerSecond"`
}

// New registers all collectors on reg and starts the throughput ticker.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_total", Help: "Connections accepted since start"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active", Help: "Currently live connections"}),
		ConnectionsAuthenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_authenticated", Help: "Currently authenticated connections"}),
		FramesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_frames_in_total", Help: "Frames fully assembled off client sockets"}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_frames_out_total", Help: "Frames written to client sockets"}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_bytes_in_total", Help: "Payload bytes received"}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_bytes_out_total", Help: "Payload bytes sent"}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_dropped_events_total", Help: "Network events dropped because the event queue was full"}),
		QueueOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_queue_overflows_total", Help: "Bounded queue overflow notifications raised"}),
		OversizedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_oversized_frames_total", Help: "Connections closed for oversized frames"}),
		MessagesByOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_total", Help: "Messages by type and outcome"},
			[]string{"type", "outcome"}),
		QueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chat_queue_size", Help: "Current size of a bounded queue"},
			[]string{"queue"}),
		PoolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chat_db_pool_size", Help: "Database pool size by role and state"},
			[]string{"role", "state"}),
		DbCheckoutTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_db_checkout_timeouts_total", Help: "Database checkouts that timed out"}),
		RecoveriesTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_recoveries_triggered_total", Help: "Recovery executions triggered"}),
		RecoveriesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_recoveries_failed_total", Help: "Recoveries where no action succeeded"}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_processed_total", Help: "Messages fully processed by the engine"}),
		latSamples: make([]float64, latencyWindow),
	}
	for _, c := range []prometheus.Collector{
		r.ConnectionsTotal, r.ConnectionsActive, r.ConnectionsAuthenticated,
		r.FramesIn, r.FramesOut, r.BytesIn, r.BytesOut,
		r.DroppedEvents, r.QueueOverflows, r.OversizedFrames,
		r.MessagesByOutcome, r.QueueSize, r.PoolSize,
		r.DbCheckoutTimeouts, r.RecoveriesTriggered, r.RecoveriesFailed,
		r.processed,
	} {
		if err := reg.Register(c); err != nil {
			zap.S().Errorf("Failed to register collector: %s", err)
		}
	}
	go r.throughputLoop()
	return r
}

// ObserveProcessing records one engine processing duration.
func (r *Registry) ObserveProcessing(d time.Duration) {
	r.processed.Inc()
	r.totalMu.Lock()
	r.totalNumber++
	r.totalMu.Unlock()

	r.latMu.Lock()
	r.latSamples[r.latNext] = float64(d.Microseconds()) / 1000.0
	r.latNext = (r.latNext + 1) % latencyWindow
	if r.latCount < latencyWindow {
		r.latCount++
	}
	r.latMu.Unlock()
}

// throughputLoop recomputes messages/second over a 10 second window.
func (r *Registry) throughputLoop() {
	ticker := time.NewTicker(10 * time.Second)
	for range ticker.C {
		r.totalMu.Lock()
		total := r.totalNumber
		r.totalMu.Unlock()

		r.thrMu.Lock()
		r.throughput = float64(total-r.lastTotal) / 10.0
		r.lastTotal = total
		r.thrMu.Unlock()
	}
}

// LatencyStats returns the mean and p99 processing latency in milliseconds
// over the sample window.
func (r *Registry) LatencyStats() (mean float64, p99 float64) {
	r.latMu.Lock()
	samples := make([]float64, r.latCount)
	copy(samples, r.latSamples[:r.latCount])
	r.latMu.Unlock()

	if len(samples) == 0 {
		return 0, 0
	}
	mean = stat.Mean(samples, nil)
	// Quantile requires sorted input
	sort.Float64s(samples)
	p99 = stat.Quantile(0.99, stat.Empirical, samples, nil)
	return mean, p99
}

// Throughput returns messages/second averaged over the last 10 seconds.
func (r *Registry) Throughput() float64 {
	r.thrMu.RLock()
	defer r.thrMu.RUnlock()
	return r.throughput
}
