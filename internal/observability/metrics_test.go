package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	p.BufferLoaded(2 * time.Millisecond)
	p.BufferUnloaded()
	p.BufferUnloaded()
	p.LoadFailed()
	p.Notified("data")
	p.Notified("data")
	p.Notified("metadata")
	p.Wrote(WriteDeferred)
	p.WriteHeld()
	p.CacheWritten(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.unloads))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.loadFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.notifications.WithLabelValues("data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.notifications.WithLabelValues("metadata")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.writes.WithLabelValues(WriteDeferred)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.held))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.cacheWrites))

	n, err := testutil.GatherAndCount(reg, "imagecore_buffer_load_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewPrometheusReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheus(reg)
	require.NoError(t, err)
	second, err := NewPrometheus(reg)
	require.NoError(t, err)

	first.LoadFailed()
	second.LoadFailed()
	assert.Equal(t, 2.0, testutil.ToFloat64(first.loadFailures))
}

func TestNoopAndUnregistered(t *testing.T) {
	var r Recorder = Noop{}
	r.BufferLoaded(time.Second)
	r.CacheWritten(1)

	p, err := NewPrometheus(nil)
	require.NoError(t, err)
	p.Wrote(WriteImmediate)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.writes.WithLabelValues(WriteImmediate)))
}
