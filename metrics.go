package iapp

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks per-worker connection and I/O statistics, promoted from
// the demo server's private counters (total_read/total_written/
// total_opened/total_closed/num_clients) into an ambient, aggregatable
// component so end-to-end scenarios (mass-connect, sustained echo) are
// observable without reaching into demo internals.
type Metrics struct {
	// Connection lifecycle counters.
	TotalOpened atomic.Uint64 // Comms opened (Open wrapped an fd)
	TotalClosed atomic.Uint64 // Comms fully torn down
	NumClients  atomic.Int64  // Currently live comms (opened - closed)

	// Byte counters.
	TotalRead    atomic.Uint64
	TotalWritten atomic.Uint64

	// Operation counters.
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64

	// Error counters.
	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64

	// UDP transmit queue backpressure.
	QueueFullDrops atomic.Uint64

	// Performance tracking.
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts). Each bucket[i]
	// contains the count of operations with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordOpen records a Comm becoming live; Open calls it when it wraps an fd.
func (m *Metrics) RecordOpen() {
	m.TotalOpened.Add(1)
	m.NumClients.Add(1)
}

// RecordClose records a connection's teardown completing.
func (m *Metrics) RecordClose() {
	m.TotalClosed.Add(1)
	m.NumClients.Add(-1)
}

// RecordRead records a read operation.
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.TotalRead.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a write operation.
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.TotalWritten.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordQueueFullDrop records a UDP transmit queue rejecting a frame.
func (m *Metrics) RecordQueueFullDrop() {
	m.QueueFullDrops.Add(1)
}

// recordLatency records operation latency and updates the histogram.
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the metrics window as closed.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic view of Metrics.
type MetricsSnapshot struct {
	TotalOpened uint64
	TotalClosed uint64
	NumClients  int64

	TotalRead    uint64
	TotalWritten uint64

	ReadOps  uint64
	WriteOps uint64

	ReadErrors  uint64
	WriteErrors uint64

	QueueFullDrops uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadThroughputBps  float64
	WriteThroughputBps float64
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TotalOpened:    m.TotalOpened.Load(),
		TotalClosed:    m.TotalClosed.Load(),
		NumClients:     m.NumClients.Load(),
		TotalRead:      m.TotalRead.Load(),
		TotalWritten:   m.TotalWritten.Load(),
		ReadOps:        m.ReadOps.Load(),
		WriteOps:       m.WriteOps.Load(),
		ReadErrors:     m.ReadErrors.Load(),
		WriteErrors:    m.WriteErrors.Load(),
		QueueFullDrops: m.QueueFullDrops.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadThroughputBps = float64(snap.TotalRead) / uptimeSeconds
		snap.WriteThroughputBps = float64(snap.TotalWritten) / uptimeSeconds
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters. Useful for testing.
func (m *Metrics) Reset() {
	m.TotalOpened.Store(0)
	m.TotalClosed.Store(0)
	m.NumClients.Store(0)
	m.TotalRead.Store(0)
	m.TotalWritten.Store(0)
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.QueueFullDrops.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// AggregateMetrics sums snapshots from each thread-group worker into a
// single process-wide view.
func AggregateMetrics(workers []*Metrics) MetricsSnapshot {
	var agg MetricsSnapshot
	var totalLatencyNs, opCount uint64

	for _, w := range workers {
		s := w.Snapshot()
		agg.TotalOpened += s.TotalOpened
		agg.TotalClosed += s.TotalClosed
		agg.NumClients += s.NumClients
		agg.TotalRead += s.TotalRead
		agg.TotalWritten += s.TotalWritten
		agg.ReadOps += s.ReadOps
		agg.WriteOps += s.WriteOps
		agg.ReadErrors += s.ReadErrors
		agg.WriteErrors += s.WriteErrors
		agg.QueueFullDrops += s.QueueFullDrops
		agg.ReadThroughputBps += s.ReadThroughputBps
		agg.WriteThroughputBps += s.WriteThroughputBps
		totalLatencyNs += w.TotalLatencyNs.Load()
		opCount += w.OpCount.Load()
		for i := 0; i < numLatencyBuckets; i++ {
			agg.LatencyHistogram[i] += s.LatencyHistogram[i]
		}
	}

	if opCount > 0 {
		agg.AvgLatencyNs = totalLatencyNs / opCount
	}

	return agg
}

// Observer allows pluggable metrics collection.
type Observer interface {
	ObserveOpen()
	ObserveClose()
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveQueueFullDrop()
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveOpen()                             {}
func (NoOpObserver) ObserveClose()                            {}
func (NoOpObserver) ObserveRead(uint64, uint64, bool)         {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool)        {}
func (NoOpObserver) ObserveQueueFullDrop()                    {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveOpen()  { o.metrics.RecordOpen() }
func (o *MetricsObserver) ObserveClose() { o.metrics.RecordClose() }

func (o *MetricsObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveQueueFullDrop() { o.metrics.RecordQueueFullDrop() }

// Compile-time interface checks.
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
