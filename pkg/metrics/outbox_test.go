package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)
	m.AddDeliveries("published", 3)
	m.AddDeliveries("published", 2)
	m.AddDeliveries("dead_lettered", 1)
	m.AddDeliveries("retry", 0)
	m.ObservePass(40 * time.Millisecond)
	m.SetDLQDepth(7)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	published, err := fetchCounterValue(mfs, "outbox_deliveries_total", "outcome", "published")
	require.NoError(t, err)
	assert.Equal(t, float64(5), published)

	_, err = fetchCounterValue(mfs, "outbox_deliveries_total", "outcome", "retry")
	assert.Error(t, err, "zero adds create no series")

	depth := findMetricFamily(mfs, "outbox_dlq_depth")
	require.NotNil(t, depth)
	assert.Equal(t, float64(7), depth.GetMetric()[0].GetGauge().GetValue())

	var nilMetrics *OutboxMetrics
	nilMetrics.AddDeliveries("published", 1)
	nilMetrics.SetDLQDepth(1)
	NewOutboxMetrics(nil).ObservePass(time.Second)
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewOutboxMetrics(reg).SetDLQDepth(2)

	srv := httptest.NewServer(NewHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "outbox_dlq_depth 2")

	resp, err = http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
