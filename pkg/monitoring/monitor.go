// Package monitoring aggregates cache statistics, store health and
// invalidation counters into one health verdict, with rolling latency
// percentiles per operation and a Prometheus-style text exposition.
package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deskmesh/cachemesh/pkg/cache"
	"github.com/deskmesh/cachemesh/pkg/invalidation"
	"github.com/deskmesh/cachemesh/pkg/observability"
	"github.com/deskmesh/cachemesh/pkg/redis"
)

// Verdict is the aggregated health state
type Verdict string

// Health verdicts
const (
	StatusHealthy   Verdict = "healthy"
	StatusDegraded  Verdict = "degraded"
	StatusUnhealthy Verdict = "unhealthy"
)

// Config holds configuration for the monitor
type Config struct {
	// Interval between background collections
	Interval time.Duration `mapstructure:"interval"`

	// LatencyWindowSize bounds the per-operation sample ring
	LatencyWindowSize int `mapstructure:"latency_window_size"`

	// Verdict thresholds
	UnhealthyHitRate float64       `mapstructure:"unhealthy_hit_rate"`
	DegradedHitRate  float64       `mapstructure:"degraded_hit_rate"`
	DegradedP95      time.Duration `mapstructure:"degraded_p95"`
}

// DefaultConfig returns the default monitoring configuration
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		LatencyWindowSize: 1024,
		UnhealthyHitRate:  0.30,
		DegradedHitRate:   0.50,
		DegradedP95:       100 * time.Millisecond,
	}
}

// Snapshot is one aggregated observation of the whole engine
type Snapshot struct {
	Status       Verdict                   `json:"status"`
	Reason       string                    `json:"reason,omitempty"`
	Timestamp    time.Time                 `json:"timestamp"`
	Cache        cache.Stats               `json:"cache"`
	Store        redis.HealthStatus        `json:"store"`
	Invalidation invalidation.Stats        `json:"invalidation"`
	Latency      map[string]LatencySummary `json:"latency"`
}

// Monitor polls the engine's components and derives a health verdict.
// It also implements observability.MetricsClient so the cache manager
// feeds operation latencies straight into the sample rings.
type Monitor struct {
	config      Config
	cache       *cache.TieredCache
	store       *redis.Client
	broadcaster *invalidation.Broadcaster
	logger      observability.Logger
	inner       observability.MetricsClient

	ringMu sync.Mutex
	rings  map[string]*latencyRing

	mu     sync.Mutex
	latest Snapshot
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. broadcaster may be nil when invalidation is
// not wired.
func New(cfg Config, tiered *cache.TieredCache, store *redis.Client, broadcaster *invalidation.Broadcaster, logger observability.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.LatencyWindowSize <= 0 {
		cfg.LatencyWindowSize = def.LatencyWindowSize
	}
	if cfg.UnhealthyHitRate <= 0 {
		cfg.UnhealthyHitRate = def.UnhealthyHitRate
	}
	if cfg.DegradedHitRate <= 0 {
		cfg.DegradedHitRate = def.DegradedHitRate
	}
	if cfg.DegradedP95 <= 0 {
		cfg.DegradedP95 = def.DegradedP95
	}
	if logger == nil {
		logger = observability.NewStandardLogger("monitoring")
	}
	return &Monitor{
		config:      cfg,
		cache:       tiered,
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		inner:       observability.NewMetricsClient(),
		rings:       make(map[string]*latencyRing),
	}
}

// Bind attaches the components to poll. The monitor doubles as the
// cache's MetricsClient, so it is constructed before the cache and bound
// afterwards.
func (m *Monitor) Bind(tiered *cache.TieredCache, broadcaster *invalidation.Broadcaster) {
	m.cache = tiered
	m.broadcaster = broadcaster
}

func (m *Monitor) ring(operation string) *latencyRing {
	m.ringMu.Lock()
	defer m.ringMu.Unlock()
	r, ok := m.rings[operation]
	if !ok {
		r = newLatencyRing(m.config.LatencyWindowSize)
		m.rings[operation] = r
	}
	return r
}

// Collect takes one snapshot now
func (m *Monitor) Collect(ctx context.Context) Snapshot {
	snap := Snapshot{
		Timestamp: time.Now(),
		Store:     m.store.Health(ctx),
		Latency:   make(map[string]LatencySummary),
	}
	if m.cache != nil {
		snap.Cache = m.cache.GetStats(ctx)
	}
	if m.broadcaster != nil {
		snap.Invalidation = m.broadcaster.GetStats()
	}

	m.ringMu.Lock()
	for op, r := range m.rings {
		snap.Latency[op] = r.Summary()
	}
	m.ringMu.Unlock()

	snap.Status, snap.Reason = m.verdict(snap)

	m.mu.Lock()
	m.latest = snap
	m.mu.Unlock()
	return snap
}

// verdict applies the health rules. Hit-rate rules only engage once the
// cache has seen traffic, otherwise a fresh instance would report
// unhealthy before serving a single request.
func (m *Monitor) verdict(snap Snapshot) (Verdict, string) {
	if !snap.Store.Connected {
		return StatusUnhealthy, "remote store unreachable"
	}

	total := snap.Cache.Total
	hasTraffic := total.Hits+total.Misses > 0

	if hasTraffic && total.HitRate < m.config.UnhealthyHitRate {
		return StatusUnhealthy, fmt.Sprintf("hit rate %.2f below %.2f", total.HitRate, m.config.UnhealthyHitRate)
	}

	p95Limit := float64(m.config.DegradedP95.Milliseconds())
	for op, lat := range snap.Latency {
		if lat.Samples > 0 && lat.P95 > p95Limit {
			return StatusDegraded, fmt.Sprintf("%s p95 %.1fms above %.0fms", op, lat.P95, p95Limit)
		}
	}
	if hasTraffic && total.HitRate < m.config.DegradedHitRate {
		return StatusDegraded, fmt.Sprintf("hit rate %.2f below %.2f", total.HitRate, m.config.DegradedHitRate)
	}
	return StatusHealthy, ""
}

// Latest returns the most recent snapshot, collecting one if none exists
func (m *Monitor) Latest(ctx context.Context) Snapshot {
	m.mu.Lock()
	snap := m.latest
	m.mu.Unlock()
	if snap.Timestamp.IsZero() {
		return m.Collect(ctx)
	}
	return snap
}

// Start begins periodic collection. Calling Start twice restarts the
// timer.
func (m *Monitor) Start() {
	m.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Collect(ctx)
			}
		}
	}()
}

// Stop halts periodic collection
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
		m.done = nil
	}
}

// Exposition renders the latest snapshot as Prometheus text format
func (m *Monitor) Exposition(ctx context.Context) string {
	snap := m.Latest(ctx)

	var b strings.Builder
	writeGauge := func(name, help string, value float64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", name, help, name, name, value)
	}

	healthValue := 0.0
	switch snap.Status {
	case StatusHealthy:
		healthValue = 1
	case StatusDegraded:
		healthValue = 0.5
	}
	writeGauge("cachemesh_health", "Aggregated health (1 healthy, 0.5 degraded, 0 unhealthy)", healthValue)

	writeGauge("cachemesh_cache_l1_hits", "L1 cache hits", float64(snap.Cache.L1.Hits))
	writeGauge("cachemesh_cache_l1_misses", "L1 cache misses", float64(snap.Cache.L1.Misses))
	writeGauge("cachemesh_cache_l1_size", "L1 entries resident", float64(snap.Cache.L1.Size))
	writeGauge("cachemesh_cache_l2_hits", "L2 cache hits", float64(snap.Cache.L2.Hits))
	writeGauge("cachemesh_cache_l2_misses", "L2 cache misses", float64(snap.Cache.L2.Misses))
	writeGauge("cachemesh_cache_hit_rate", "Combined hit rate", snap.Cache.Total.HitRate)

	storeUp := 0.0
	if snap.Store.Connected {
		storeUp = 1
	}
	writeGauge("cachemesh_store_up", "Remote store reachability", storeUp)
	writeGauge("cachemesh_store_latency_seconds", "Remote store ping latency", snap.Store.Latency.Seconds())
	if snap.Store.UsedMemoryBytes > 0 {
		writeGauge("cachemesh_store_used_memory_bytes", "Remote store memory usage", float64(snap.Store.UsedMemoryBytes))
	}

	writeGauge("cachemesh_invalidation_published", "Invalidation events published", float64(snap.Invalidation.Published))
	writeGauge("cachemesh_invalidation_received", "Invalidation events received", float64(snap.Invalidation.Received))
	writeGauge("cachemesh_invalidation_processed", "Invalidation events applied", float64(snap.Invalidation.Processed))
	writeGauge("cachemesh_invalidation_errors", "Invalidation errors", float64(snap.Invalidation.Errors))

	ops := make([]string, 0, len(snap.Latency))
	for op := range snap.Latency {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		lat := snap.Latency[op]
		prefix := "cachemesh_latency_" + op
		writeGauge(prefix+"_p50_ms", "p50 latency", lat.P50)
		writeGauge(prefix+"_p95_ms", "p95 latency", lat.P95)
		writeGauge(prefix+"_p99_ms", "p99 latency", lat.P99)
		writeGauge(prefix+"_avg_ms", "average latency", lat.Avg)
	}
	return b.String()
}

// MetricsClient implementation; the cache manager calls
// RecordCacheOperation on every get/set.

// IncrementCounter implements observability.MetricsClient
func (m *Monitor) IncrementCounter(name string, value float64) {
	m.inner.IncrementCounter(name, value)
}

// IncrementCounterWithLabels implements observability.MetricsClient
func (m *Monitor) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.inner.IncrementCounterWithLabels(name, value, labels)
}

// RecordGauge implements observability.MetricsClient
func (m *Monitor) RecordGauge(name string, value float64, labels map[string]string) {
	m.inner.RecordGauge(name, value, labels)
}

// RecordLatency implements observability.MetricsClient
func (m *Monitor) RecordLatency(operation string, duration time.Duration) {
	m.ring(operation).Add(duration.Seconds())
	m.inner.RecordLatency(operation, duration)
}

// RecordCacheOperation feeds the per-operation latency rings
func (m *Monitor) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	m.ring(operation).Add(durationSeconds)
	m.inner.RecordCacheOperation(operation, success, durationSeconds)
}

// Close implements observability.MetricsClient
func (m *Monitor) Close() error {
	m.Stop()
	return m.inner.Close()
}
