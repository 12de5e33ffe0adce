package metrics

import (
	"math"
	"sync"
)

// Latency samples land in exponentially sized buckets spanning 0.01 ms
// to roughly a minute. Each bucket is 15% wider than the previous one,
// which bounds the quantile error to about half a bucket width.
const (
	latencyFloorMs = 0.01
	latencyGrowth  = 1.15
	latencyBuckets = 114
)

// LatencyTracker is a fixed-memory quantile sketch. Record is O(1) with
// no allocation, so it is safe on the pipeline hot path; readers pay a
// single pass over the buckets. When the sample count reaches the limit
// every bucket is halved, so the sketch tracks recent behavior instead
// of the whole process lifetime. Shared by the loop monitor (tick lag)
// and the relay (ping round trips).
type LatencyTracker struct {
	mu     sync.Mutex
	counts [latencyBuckets]uint32
	total  int
	limit  int
}

// NewLatencyTracker creates a sketch that ages once `limit` samples have
// accumulated.
func NewLatencyTracker(limit int) *LatencyTracker {
	if limit <= 0 {
		limit = 8192
	}
	return &LatencyTracker{limit: limit}
}

// Record adds a latency sample in milliseconds.
func (lt *LatencyTracker) Record(latencyMs float64) {
	i := bucketFor(latencyMs)
	lt.mu.Lock()
	lt.counts[i]++
	lt.total++
	if lt.total >= lt.limit {
		lt.ageLocked()
	}
	lt.mu.Unlock()
}

// ageLocked halves every bucket, discarding roughly the older half of
// the observations.
func (lt *LatencyTracker) ageLocked() {
	total := 0
	for i := range lt.counts {
		lt.counts[i] /= 2
		total += int(lt.counts[i])
	}
	lt.total = total
}

// Percentiles returns approximate p50, p95 and p99 in milliseconds, or
// (0, 0, 0) when no samples have been recorded.
func (lt *LatencyTracker) Percentiles() (p50, p95, p99 float64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.total == 0 {
		return 0, 0, 0
	}
	return lt.quantileLocked(0.50), lt.quantileLocked(0.95), lt.quantileLocked(0.99)
}

// Count returns the number of samples currently represented. Aging
// shrinks it, so it is at most the configured limit.
func (lt *LatencyTracker) Count() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.total
}

func (lt *LatencyTracker) quantileLocked(q float64) float64 {
	rank := int(math.Ceil(q * float64(lt.total)))
	if rank < 1 {
		rank = 1
	}
	seen := 0
	for i, c := range lt.counts {
		seen += int(c)
		if seen >= rank {
			return bucketMidpoint(i)
		}
	}
	return bucketMidpoint(latencyBuckets - 1)
}

func bucketFor(ms float64) int {
	if ms <= latencyFloorMs {
		return 0
	}
	i := int(math.Log(ms/latencyFloorMs)/math.Log(latencyGrowth)) + 1
	if i >= latencyBuckets {
		i = latencyBuckets - 1
	}
	return i
}

func bucketMidpoint(i int) float64 {
	if i == 0 {
		return latencyFloorMs
	}
	lower := latencyFloorMs * math.Pow(latencyGrowth, float64(i-1))
	return lower * (1 + latencyGrowth) / 2
}
