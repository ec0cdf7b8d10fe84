package cadence

import (
	"sort"
	"sync"
)

// RollingPercentile keeps a bounded sliding window of samples and
// answers percentile queries over it. Safe for concurrent use.
type RollingPercentile struct {
	mu      sync.Mutex
	samples []float64
	next    int
	count   int
}

// NewRollingPercentile creates a window holding at most capacity samples.
func NewRollingPercentile(capacity int) *RollingPercentile {
	if capacity < 1 {
		capacity = 1
	}
	return &RollingPercentile{samples: make([]float64, capacity)}
}

// Add records one sample, evicting the oldest when full.
func (r *RollingPercentile) Add(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = v
	r.next = (r.next + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
}

// Percentile returns the p-th percentile (0..100) of the window using
// nearest-rank. Returns 0 with ok=false when the window is empty.
func (r *RollingPercentile) Percentile(p float64) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return 0, false
	}

	sorted := make([]float64, r.count)
	copy(sorted, r.samples[:r.count])
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0], true
	}
	if p >= 100 {
		return sorted[len(sorted)-1], true
	}

	rank := int(float64(len(sorted)) * p / 100)
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank], true
}

// Len returns the number of buffered samples.
func (r *RollingPercentile) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
