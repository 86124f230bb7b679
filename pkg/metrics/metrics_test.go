package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gather returns the metric families of m keyed by name.
func gather(t *testing.T, m *Metrics) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelValue(metric *dto.Metric, name string) string {
	for _, l := range metric.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ChannelCreated("node:16110")
		m.ChannelDisposed("node:16110")
		m.ObserveRequest("getInfoRequest", 0.01, nil)
		m.ProbeResult("node:16110", true)
		m.SetBackendsReady(1)
		m.Failover()
		m.BackendUnavailable()
		m.FeedCycle(3)
		m.Published("mempool-live")
		m.Suppressed()
		m.FetchFailed()
		m.SetBlockMassLimit(500000)
		m.TaskRestarted("mempool-live")
		m.EmitterError("bluescore")
		m.SetSubscribers("mempool", 2)
	})
	assert.NotNil(t, m.Handler())
}

func TestRecording(t *testing.T) {
	m := New("test")

	m.ChannelCreated("node:16110")
	m.ChannelCreated("node:16110")
	m.ObserveRequest("getInfoRequest", 0.02, nil)
	m.ObserveRequest("getInfoRequest", 0.5, errors.New("timeout"))
	m.FeedCycle(7)
	m.Published("mempool-live")
	m.SetBlockMassLimit(500000)
	m.SetSubscribers("mempool", 2)

	families := gather(t, m)

	created := families["test_pool_channels_created_total"]
	require.NotNil(t, created)
	require.Len(t, created.GetMetric(), 1)
	assert.Equal(t, "node:16110", labelValue(created.GetMetric()[0], "backend"))
	assert.Equal(t, 2.0, created.GetMetric()[0].GetCounter().GetValue())

	requests := families["test_pool_request_seconds"]
	require.NotNil(t, requests)
	outcomes := map[string]uint64{}
	for _, metric := range requests.GetMetric() {
		outcomes[labelValue(metric, "outcome")] = metric.GetHistogram().GetSampleCount()
	}
	assert.Equal(t, map[string]uint64{"ok": 1, "error": 1}, outcomes)

	window := families["test_livefeed_window_entries"]
	require.NotNil(t, window)
	assert.Equal(t, 7.0, window.GetMetric()[0].GetGauge().GetValue())

	limit := families["test_livefeed_block_mass_limit"]
	require.NotNil(t, limit)
	assert.Equal(t, 500000.0, limit.GetMetric()[0].GetGauge().GetValue())

	subs := families["test_hub_subscribers"]
	require.NotNil(t, subs)
	assert.Equal(t, "mempool", labelValue(subs.GetMetric()[0], "topic"))
}

func TestHandler(t *testing.T) {
	m := New("")
	m.Failover()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dagfeed_router_failovers_total 1")
	assert.Contains(t, rec.Body.String(), "process_")
}
