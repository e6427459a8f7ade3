package metricscol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncAccumulatesPerLabelSet(t *testing.T) {
	c := New()
	c.Inc("bridge_calls", map[string]string{"method": "query"}, 1)
	c.Inc("bridge_calls", map[string]string{"method": "query"}, 2)
	c.Inc("bridge_calls", map[string]string{"method": "execute"}, 1)

	snap := c.Snapshot()
	assert.Equal(t, int64(3), snap.Counters[key("bridge_calls", map[string]string{"method": "query"})])
	assert.Equal(t, int64(1), snap.Counters[key("bridge_calls", map[string]string{"method": "execute"})])
}

func TestSetOverwritesGauge(t *testing.T) {
	c := New()
	c.Set("pool_active_workers", nil, 4)
	c.Set("pool_active_workers", nil, 2)
	snap := c.Snapshot()
	assert.Equal(t, float64(2), snap.Gauges["pool_active_workers"])
}

func TestObserveBucketsCorrectly(t *testing.T) {
	c := New()
	c.Observe("call_latency", nil, 0.02)
	c.Observe("call_latency", nil, 3)
	snap := c.Snapshot()
	h := snap.Histograms["call_latency"]
	assert.Equal(t, int64(2), h.Count)
	assert.InDelta(t, 3.02, h.Sum, 0.001)
}

func TestTimerRecordsElapsed(t *testing.T) {
	c := New()
	stop := c.Timer("op_duration", nil)
	stop()
	snap := c.Snapshot()
	require.Contains(t, snap.Histograms, "op_duration")
	assert.Equal(t, int64(1), snap.Histograms["op_duration"].Count)
}

func TestExportProducesOpenMetricsText(t *testing.T) {
	c := New()
	c.Inc("requests", map[string]string{"method": "query"}, 5)
	c.Set("active", nil, 1)
	c.Observe("latency", nil, 0.01)

	out := c.Export()
	assert.True(t, strings.HasSuffix(out, "# EOF\n"))
	assert.Contains(t, out, "_total")
	assert.Contains(t, out, "latency_bucket")
	assert.Contains(t, out, "latency_sum")
	assert.Contains(t, out, "latency_count")
}

func TestKeyIsDeterministicAcrossLabelOrder(t *testing.T) {
	a := key("m", map[string]string{"b": "2", "a": "1"})
	b := key("m", map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, a, b)
}
