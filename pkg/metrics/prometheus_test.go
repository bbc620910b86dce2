package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/lifeguard/pkg/types"
)

func TestProbeCounters(t *testing.T) {
	m := NewPrometheusMetrics("test")

	m.ObserveProbe("ack", 2*time.Millisecond)
	m.ObserveProbe("ack", 3*time.Millisecond)
	m.ObserveProbe("timeout", 0)

	acks, err := m.probesTotal.GetMetricWithLabelValues("ack")
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(acks))

	timeouts, err := m.probesTotal.GetMetricWithLabelValues("timeout")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(timeouts))
}

func TestHealthGauge(t *testing.T) {
	m := NewPrometheusMetrics("test")

	m.SetHealth(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.healthScore))

	m.SetHealth(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.healthScore))
}

func TestMemberGauges(t *testing.T) {
	m := NewPrometheusMetrics("test")

	m.SetMemberCount("alive", 4)
	m.SetMemberCount("suspect", 1)

	alive, err := m.membersByState.GetMetricWithLabelValues("alive")
	require.NoError(t, err)
	assert.Equal(t, float64(4), testutil.ToFloat64(alive))
}

func TestReachabilityCounter(t *testing.T) {
	m := NewPrometheusMetrics("test")

	m.ReachabilityChanged(types.ReachabilityUnreachable)
	m.ReachabilityChanged(types.ReachabilityUnreachable)
	m.ReachabilityChanged(types.ReachabilityReachable)

	unreachable, err := m.reachabilityEvents.GetMetricWithLabelValues("unreachable")
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(unreachable))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := NewPrometheusMetrics("")
	assert.NotNil(t, m.Handler())
	assert.NotNil(t, m.Registry())
}
