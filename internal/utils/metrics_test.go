// internal/utils/metrics_test.go
package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounter(t *testing.T) {
	m := GetMetricsCollector()

	m.IncrementCounter("test_counter_a")
	m.IncrementCounter("test_counter_a")
	m.AddCounter("test_counter_a", 3)

	assert.Equal(t, int64(5), m.GetCounterValue("test_counter_a"))
	assert.Equal(t, int64(0), m.GetCounterValue("test_counter_missing"))
}

func TestMetricsGauge(t *testing.T) {
	m := GetMetricsCollector()

	m.SetGauge("test_gauge", 10)
	m.IncGauge("test_gauge")
	m.DecGauge("test_gauge")
	m.DecGauge("test_gauge")

	assert.Equal(t, int64(9), m.GetGauge("test_gauge"))
	assert.Equal(t, int64(0), m.GetGauge("test_gauge_missing"))
}

func TestMetricsHistogram(t *testing.T) {
	m := GetMetricsCollector()

	m.RecordHistogram("test_histogram", 10)
	m.RecordHistogram("test_histogram", 30)
	m.RecordHistogram("test_histogram", 20)

	snapshot := m.GetMetrics()
	histograms, ok := snapshot["histograms"].(map[string]map[string]int64)
	require.True(t, ok)

	h := histograms["test_histogram"]
	require.NotNil(t, h)
	assert.Equal(t, int64(3), h["count"])
	assert.Equal(t, int64(60), h["sum"])
	assert.Equal(t, int64(10), h["min"])
	assert.Equal(t, int64(30), h["max"])
}

func TestMetricsConcurrentIncrement(t *testing.T) {
	m := GetMetricsCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementCounter("test_concurrent")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), m.GetCounterValue("test_concurrent"))
}

func TestAPIMetricsRecorders(t *testing.T) {
	am := NewAPIMetrics()
	m := GetMetricsCollector()

	before := m.GetCounterValue("session_turns_total")
	am.RecordSessionTurn("agent-1", "daily")
	am.RecordSessionTurn("agent-1", "event")
	assert.Equal(t, before+2, m.GetCounterValue("session_turns_total"))
	assert.GreaterOrEqual(t, m.GetCounterValue("session_turns_daily"), int64(1))

	buildsBefore := m.GetCounterValue("agent_builds_total")
	am.RecordAgentBuild("completed", 0)
	assert.Equal(t, buildsBefore+1, m.GetCounterValue("agent_builds_total"))

	errsBefore := m.GetCounterValue("errors_total")
	am.RecordError("llm_request", "llm_service")
	assert.Equal(t, errsBefore+1, m.GetCounterValue("errors_total"))
}
