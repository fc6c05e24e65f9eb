package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Attempt()
	m.Request(OutcomeSuccess, time.Second)
	m.DestinationStatus(200)
	m.PathRebuild(true)
	m.SnodeDropped("pool")
	m.SwarmFetch()
	m.PoolSize(3)
	m.Paths(2)
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Attempt()
	m.Attempt()
	m.Request(OutcomeSuccess, 100*time.Millisecond)
	m.Request(OutcomeTransport, time.Second)
	m.DestinationStatus(421)
	m.DestinationStatus(200)
	m.DestinationStatus(0)
	m.PathRebuild(false)
	m.SnodeDropped("swarm")
	m.PoolSize(42)
	m.Paths(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.destStatus.WithLabelValues("4xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.destStatus.WithLabelValues("other")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pathRebuilds.WithLabelValues("failed")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.poolSize))

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "onionreq_requests_total")
	assert.Contains(t, string(body), "onionreq_snode_pool_size 42")
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
