package observability

import (
	"bytes"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)
	fn()
	return buf.String()
}

func TestStandardLogger_LevelFiltering(t *testing.T) {
	logger := NewStandardLogger("test")

	out := captureOutput(t, func() {
		logger.Debug("hidden", nil)
		logger.Info("shown", nil)
	})
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "[test]")

	debugLogger := logger.(*StandardLogger).WithLevel(LogLevelDebug)
	out = captureOutput(t, func() {
		debugLogger.Debug("visible now", nil)
	})
	assert.Contains(t, out, "visible now")
}

func TestStandardLogger_Fields(t *testing.T) {
	logger := NewStandardLogger("test")

	out := captureOutput(t, func() {
		logger.Warn("problem", map[string]interface{}{"key": "value", "count": 3})
	})
	assert.Contains(t, out, "problem")
	assert.Contains(t, out, "key=value")
	assert.Contains(t, out, "count=3")
}

func TestStandardLogger_WithPrefix(t *testing.T) {
	logger := NewStandardLogger("parent").WithPrefix("child")

	out := captureOutput(t, func() {
		logger.Info("scoped", nil)
	})
	assert.Contains(t, out, "[child]")
}

func TestMetricsClient_Counters(t *testing.T) {
	m := NewMetricsClient()

	m.IncrementCounter("requests", 1)
	m.IncrementCounter("requests", 2)
	m.IncrementCounterWithLabels("requests", 1, map[string]string{"op": "get"})

	counters, _ := m.(interface {
		Snapshot() (map[string]float64, map[string]float64)
	}).Snapshot()

	assert.Equal(t, 3.0, counters["requests"])
	assert.Equal(t, 1.0, counters[`requests{op="get"}`])
}

func TestMetricsClient_CacheOperation(t *testing.T) {
	m := NewMetricsClient()

	m.RecordCacheOperation("get", true, 0.005)
	m.RecordCacheOperation("get", false, 0.100)
	m.RecordLatency("set", 20*time.Millisecond)

	snapshotter, ok := m.(interface {
		Snapshot() (map[string]float64, map[string]float64)
	})
	require.True(t, ok)
	counters, gauges := snapshotter.Snapshot()

	assert.Equal(t, 1.0, counters[`cache_operations_total{operation="get",status="success"}`])
	assert.Equal(t, 1.0, counters[`cache_operations_total{operation="get",status="failure"}`])
	assert.InDelta(t, 0.02, gauges[`latency_seconds{operation="set"}`], 0.001)
}

func TestMetricKey_SortsLabels(t *testing.T) {
	a := metricKey("m", map[string]string{"b": "2", "a": "1"})
	b := metricKey("m", map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, a, b)
	assert.Equal(t, `m{a="1",b="2"}`, a)
}
