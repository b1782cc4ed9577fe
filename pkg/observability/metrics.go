package observability

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// inMemoryMetricsClient is the default MetricsClient. It keeps counters and
// gauges in process memory so aggregators can snapshot them without an
// external metrics backend.
type inMemoryMetricsClient struct {
	mu       sync.RWMutex
	counters map[string]float64
	gauges   map[string]float64
	enabled  bool
}

// NewMetricsClient creates a new in-memory metrics client
func NewMetricsClient() MetricsClient {
	return &inMemoryMetricsClient{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		enabled:  true,
	}
}

// IncrementCounter increments a counter metric by a given value
func (m *inMemoryMetricsClient) IncrementCounter(name string, value float64) {
	m.IncrementCounterWithLabels(name, value, nil)
}

// IncrementCounterWithLabels increments a counter metric with custom labels
func (m *inMemoryMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	key := metricKey(name, labels)

	m.mu.Lock()
	m.counters[key] += value
	m.mu.Unlock()
}

// RecordGauge records a gauge metric
func (m *inMemoryMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	key := metricKey(name, labels)

	m.mu.Lock()
	m.gauges[key] = value
	m.mu.Unlock()
}

// RecordLatency records an operation latency as a gauge in seconds
func (m *inMemoryMetricsClient) RecordLatency(operation string, duration time.Duration) {
	m.RecordGauge("latency_seconds", duration.Seconds(), map[string]string{"operation": operation})
}

// RecordCacheOperation records a cache operation outcome
func (m *inMemoryMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.IncrementCounterWithLabels("cache_operations_total", 1, map[string]string{
		"operation": operation,
		"status":    status,
	})
	m.RecordGauge("cache_operation_duration_seconds", durationSeconds, map[string]string{
		"operation": operation,
	})
}

// Snapshot returns a copy of all counters and gauges
func (m *inMemoryMetricsClient) Snapshot() (counters, gauges map[string]float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters = make(map[string]float64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	gauges = make(map[string]float64, len(m.gauges))
	for k, v := range m.gauges {
		gauges[k] = v
	}
	return counters, gauges
}

// Close releases resources held by the client
func (m *inMemoryMetricsClient) Close() error {
	return nil
}

// metricKey renders a metric name with sorted label pairs so the same
// name+labels always map to one series.
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=\"")
		b.WriteString(labels[k])
		b.WriteString("\"")
	}
	b.WriteString("}")
	return b.String()
}

// NoopMetricsClient discards all metrics
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that discards everything
func NewNoopMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

// IncrementCounter implements MetricsClient
func (m *NoopMetricsClient) IncrementCounter(name string, value float64) {}

// IncrementCounterWithLabels implements MetricsClient
func (m *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}

// RecordGauge implements MetricsClient
func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

// RecordLatency implements MetricsClient
func (m *NoopMetricsClient) RecordLatency(operation string, duration time.Duration) {}

// RecordCacheOperation implements MetricsClient
func (m *NoopMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
}

// Close implements MetricsClient
func (m *NoopMetricsClient) Close() error { return nil }
