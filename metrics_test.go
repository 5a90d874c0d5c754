package iapp

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.ReadOps != 0 || snap.WriteOps != 0 {
		t.Errorf("expected 0 initial ops, got read=%d write=%d", snap.ReadOps, snap.WriteOps)
	}

	m.RecordRead(1024, 1_000_000, true)
	m.RecordWrite(2048, 2_000_000, true)
	m.RecordRead(512, 500_000, false)

	snap = m.Snapshot()

	if snap.ReadOps != 2 {
		t.Errorf("expected 2 read ops, got %d", snap.ReadOps)
	}
	if snap.WriteOps != 1 {
		t.Errorf("expected 1 write op, got %d", snap.WriteOps)
	}
	if snap.TotalRead != 1024 {
		t.Errorf("expected 1024 read bytes, got %d", snap.TotalRead)
	}
	if snap.TotalWritten != 2048 {
		t.Errorf("expected 2048 written bytes, got %d", snap.TotalWritten)
	}
	if snap.ReadErrors != 1 {
		t.Errorf("expected 1 read error, got %d", snap.ReadErrors)
	}
	if snap.WriteErrors != 0 {
		t.Errorf("expected 0 write errors, got %d", snap.WriteErrors)
	}
}

func TestMetricsConnectionLifecycle(t *testing.T) {
	m := NewMetrics()

	m.RecordOpen()
	m.RecordOpen()
	m.RecordClose()

	snap := m.Snapshot()
	if snap.TotalOpened != 2 {
		t.Errorf("expected 2 opened, got %d", snap.TotalOpened)
	}
	if snap.TotalClosed != 1 {
		t.Errorf("expected 1 closed, got %d", snap.TotalClosed)
	}
	if snap.NumClients != 1 {
		t.Errorf("expected 1 live client, got %d", snap.NumClients)
	}
}

func TestMetricsQueueFullDrop(t *testing.T) {
	m := NewMetrics()
	m.RecordQueueFullDrop()
	m.RecordQueueFullDrop()

	snap := m.Snapshot()
	if snap.QueueFullDrops != 2 {
		t.Errorf("expected 2 queue-full drops, got %d", snap.QueueFullDrops)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordRead(1024, 1_000_000, true)
	m.RecordWrite(1024, 2_000_000, true)

	snap := m.Snapshot()

	expectedAvgNs := uint64(1_500_000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1_000_000 {
		t.Errorf("expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1_000_000 {
		t.Errorf("uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordRead(1024, 1_000_000, true)
	m.RecordWrite(2048, 2_000_000, true)
	m.RecordOpen()

	snap := m.Snapshot()
	if snap.ReadOps == 0 {
		t.Error("expected some operations before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.ReadOps != 0 || snap.WriteOps != 0 {
		t.Errorf("expected 0 ops after reset, got read=%d write=%d", snap.ReadOps, snap.WriteOps)
	}
	if snap.TotalRead != 0 || snap.TotalWritten != 0 {
		t.Error("expected 0 bytes after reset")
	}
	if snap.NumClients != 0 {
		t.Errorf("expected 0 live clients after reset, got %d", snap.NumClients)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveOpen()
	observer.ObserveClose()
	observer.ObserveRead(1024, 1_000_000, true)
	observer.ObserveWrite(1024, 1_000_000, true)
	observer.ObserveQueueFullDrop()

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveOpen()
	metricsObserver.ObserveRead(1024, 1_000_000, true)
	metricsObserver.ObserveWrite(2048, 2_000_000, true)

	snap := m.Snapshot()
	if snap.ReadOps != 1 {
		t.Errorf("expected 1 read op from observer, got %d", snap.ReadOps)
	}
	if snap.WriteOps != 1 {
		t.Errorf("expected 1 write op from observer, got %d", snap.WriteOps)
	}
	if snap.TotalOpened != 1 {
		t.Errorf("expected 1 opened from observer, got %d", snap.TotalOpened)
	}
}

func TestMetricsThroughput(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordRead(1024, 1_000_000, true)
	m.RecordWrite(2048, 2_000_000, true)

	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()

	if snap.ReadThroughputBps < 1000 || snap.ReadThroughputBps > 1050 {
		t.Errorf("expected read throughput ~1024 B/s, got %.2f", snap.ReadThroughputBps)
	}
	if snap.WriteThroughputBps < 2000 || snap.WriteThroughputBps > 2100 {
		t.Errorf("expected write throughput ~2048 B/s, got %.2f", snap.WriteThroughputBps)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordRead(1024, 500_000, true)
	}
	for i := 0; i < 49; i++ {
		m.RecordWrite(1024, 5_000_000, true)
	}
	m.RecordWrite(1024, 50_000_000, true)

	snap := m.Snapshot()

	totalOps := snap.ReadOps + snap.WriteOps
	if totalOps != 100 {
		t.Errorf("expected 100 total ops, got %d", totalOps)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}

	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("expected histogram buckets to be populated")
	}
}

func TestAggregateMetrics(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.RecordOpen()
	a.RecordRead(100, 1000, true)
	b.RecordOpen()
	b.RecordOpen()
	b.RecordWrite(200, 2000, true)

	agg := AggregateMetrics([]*Metrics{a, b})

	if agg.TotalOpened != 3 {
		t.Errorf("expected 3 total opened, got %d", agg.TotalOpened)
	}
	if agg.ReadOps != 1 || agg.WriteOps != 1 {
		t.Errorf("expected 1 read / 1 write op, got read=%d write=%d", agg.ReadOps, agg.WriteOps)
	}
	if agg.TotalRead != 100 || agg.TotalWritten != 200 {
		t.Errorf("expected 100/200 bytes, got read=%d written=%d", agg.TotalRead, agg.TotalWritten)
	}
}
