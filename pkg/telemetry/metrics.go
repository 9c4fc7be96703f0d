package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// HostMetrics is the per-Host counter set: messages
// received, processed, failed; current queue depth; a latency histogram.
// All methods are safe for concurrent workers.
type HostMetrics struct {
	received  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64

	histMu  sync.Mutex
	buckets []float64 // upper bounds, seconds, ascending
	counts  []int64   // counts[i] <= buckets[i]; last slot is +Inf
	sum     float64
	total   int64
}

// DefaultLatencyBuckets spans 5ms to 10s, the range an MLLP hop or a sync
// request round trip realistically lands in.
func DefaultLatencyBuckets() []float64 {
	return []float64{
		0.005, 0.01, 0.025, 0.05,
		0.1, 0.25, 0.5, 1.0,
		2.5, 5.0, 10.0,
	}
}

// NewHostMetrics builds a metric set with the given latency buckets, or
// the defaults when nil.
func NewHostMetrics(buckets []float64) *HostMetrics {
	if len(buckets) == 0 {
		buckets = DefaultLatencyBuckets()
	}
	return &HostMetrics{
		buckets: buckets,
		counts:  make([]int64, len(buckets)+1),
	}
}

func (m *HostMetrics) Received()  { m.received.Add(1) }
func (m *HostMetrics) Processed() { m.processed.Add(1) }
func (m *HostMetrics) Failed()    { m.failed.Add(1) }

// ObserveLatency records one processing duration.
func (m *HostMetrics) ObserveLatency(d time.Duration) {
	secs := d.Seconds()
	if secs < 0 {
		secs = 0
	}
	m.histMu.Lock()
	defer m.histMu.Unlock()
	idx := len(m.buckets)
	for i, ub := range m.buckets {
		if secs <= ub {
			idx = i
			break
		}
	}
	m.counts[idx]++
	m.sum += secs
	m.total++
}

// LatencyBucket is one histogram slot in a Snapshot.
type LatencyBucket struct {
	UpperBound float64 `json:"le"` // seconds; the final bucket is +Inf and reported as 0
	Count      int64   `json:"count"`
}

// MetricsSnapshot is a point-in-time copy for health/admin reporting.
type MetricsSnapshot struct {
	Received       int64           `json:"received"`
	Processed      int64           `json:"processed"`
	Failed         int64           `json:"failed"`
	QueueDepth     int             `json:"queue_depth"`
	LatencyBuckets []LatencyBucket `json:"latency_buckets"`
	LatencySumSecs float64         `json:"latency_sum_secs"`
	LatencyCount   int64           `json:"latency_count"`
}

// Snapshot copies the counters. queueDepth is supplied by the caller: the
// queue belongs to the Host, not to the metric set.
func (m *HostMetrics) Snapshot(queueDepth int) MetricsSnapshot {
	snap := MetricsSnapshot{
		Received:   m.received.Load(),
		Processed:  m.processed.Load(),
		Failed:     m.failed.Load(),
		QueueDepth: queueDepth,
	}
	m.histMu.Lock()
	defer m.histMu.Unlock()
	snap.LatencySumSecs = m.sum
	snap.LatencyCount = m.total
	snap.LatencyBuckets = make([]LatencyBucket, len(m.counts))
	for i, c := range m.counts {
		ub := 0.0
		if i < len(m.buckets) {
			ub = m.buckets[i]
		}
		snap.LatencyBuckets[i] = LatencyBucket{UpperBound: ub, Count: c}
	}
	return snap
}
