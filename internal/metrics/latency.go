// Package metrics provides the benchmark's Prometheus collectors, registry
// snapshots and in-process latency statistics.
package metrics

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/gateway-fm/availbench/pkg/types"
)

// DefaultRecoveryBounds are the histogram bucket bounds for recovery latency.
// The last bound matches the default block time.
var DefaultRecoveryBounds = []time.Duration{
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	3 * time.Second,
	6 * time.Second,
}

// DefaultReservoirSize is the number of samples kept for percentile
// estimation. 10000 gives <1% error at p99.
const DefaultReservoirSize = 10000

// StreamingLatencyStats provides streaming percentile calculation over
// latency samples without storing all of them.
type StreamingLatencyStats struct {
	mu sync.RWMutex

	count int64
	sum   float64
	min   float64
	max   float64

	// Algorithm R (Vitter) reservoir
	reservoir     []float64
	reservoirSize int
	rng           *rand.Rand

	bounds  []float64 // ms
	labels  []string
	buckets []int64
}

// NewStreamingLatencyStats creates a latency calculator with the given
// bucket bounds, or DefaultRecoveryBounds when none are given.
func NewStreamingLatencyStats(bounds ...time.Duration) *StreamingLatencyStats {
	if len(bounds) == 0 {
		bounds = DefaultRecoveryBounds
	}
	sorted := append([]time.Duration(nil), bounds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	s := &StreamingLatencyStats{
		min:           math.MaxFloat64,
		reservoir:     make([]float64, 0, DefaultReservoirSize),
		reservoirSize: DefaultReservoirSize,
		rng:           rand.New(rand.NewPCG(1, 2)),
		buckets:       make([]int64, len(sorted)+1),
	}
	prev := "0"
	for _, b := range sorted {
		s.bounds = append(s.bounds, float64(b)/float64(time.Millisecond))
		s.labels = append(s.labels, prev+"-"+b.String())
		prev = b.String()
	}
	s.labels = append(s.labels, prev+"+")
	return s
}

// Observe records a latency sample.
func (s *StreamingLatencyStats) Observe(d time.Duration) {
	s.Add(float64(d) / float64(time.Millisecond))
}

// Add records a latency sample in milliseconds. Safe for concurrent use.
func (s *StreamingLatencyStats) Add(latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += latencyMs
	s.min = math.Min(s.min, latencyMs)
	s.max = math.Max(s.max, latencyMs)

	s.buckets[sort.SearchFloat64s(s.bounds, math.Nextafter(latencyMs, math.Inf(1)))]++

	if len(s.reservoir) < s.reservoirSize {
		s.reservoir = append(s.reservoir, latencyMs)
		return
	}
	if j := s.rng.Int64N(s.count); j < int64(s.reservoirSize) {
		s.reservoir[j] = latencyMs
	}
}

// GetStats returns the current latency statistics, or nil without samples.
func (s *StreamingLatencyStats) GetStats() *types.LatencyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return nil
	}

	sorted := append([]float64(nil), s.reservoir...)
	sort.Float64s(sorted)

	stats := &types.LatencyStats{
		Count: int(s.count),
		Min:   s.min,
		Max:   s.max,
		Avg:   s.sum / float64(s.count),
		P50:   percentile(sorted, 0.50),
		P75:   percentile(sorted, 0.75),
		P90:   percentile(sorted, 0.90),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}
	for i, label := range s.labels {
		stats.Buckets = append(stats.Buckets, types.LatencyBucket{Label: label, Count: int(s.buckets[i])})
	}
	return stats
}

// percentile interpolates the p-th percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}

	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}

// Reset clears all statistics.
func (s *StreamingLatencyStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count = 0
	s.sum = 0
	s.min = math.MaxFloat64
	s.max = 0
	s.reservoir = s.reservoir[:0]
	for i := range s.buckets {
		s.buckets[i] = 0
	}
}

// Count returns the number of samples recorded.
func (s *StreamingLatencyStats) Count() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
