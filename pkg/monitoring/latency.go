package monitoring

import (
	"sort"
	"sync"
)

// latencyRing is a bounded ring buffer of latency samples in seconds.
// Once full, new samples overwrite the oldest.
type latencyRing struct {
	mu      sync.Mutex
	samples []float64
	next    int
	filled  bool
}

func newLatencyRing(size int) *latencyRing {
	if size <= 0 {
		size = 1024
	}
	return &latencyRing{samples: make([]float64, size)}
}

func (r *latencyRing) Add(seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = seconds
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
}

// LatencySummary holds millisecond percentiles over the current window
type LatencySummary struct {
	P50     float64 `json:"p50_ms"`
	P95     float64 `json:"p95_ms"`
	P99     float64 `json:"p99_ms"`
	Avg     float64 `json:"avg_ms"`
	Samples int     `json:"samples"`
}

// Summary computes percentiles over the samples currently held
func (r *latencyRing) Summary() LatencySummary {
	r.mu.Lock()
	n := r.next
	if r.filled {
		n = len(r.samples)
	}
	window := make([]float64, n)
	copy(window, r.samples[:n])
	r.mu.Unlock()

	if n == 0 {
		return LatencySummary{}
	}

	sort.Float64s(window)

	var sum float64
	for _, v := range window {
		sum += v
	}

	toMs := func(seconds float64) float64 { return seconds * 1000 }
	return LatencySummary{
		P50:     toMs(percentile(window, 0.50)),
		P95:     toMs(percentile(window, 0.95)),
		P99:     toMs(percentile(window, 0.99)),
		Avg:     toMs(sum / float64(n)),
		Samples: n,
	}
}

// percentile uses the nearest-rank method over sorted samples
func percentile(sorted []float64, p float64) float64 {
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
