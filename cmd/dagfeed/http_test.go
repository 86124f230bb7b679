package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fortiblox/dagfeed/pkg/broadcast"
	"github.com/fortiblox/dagfeed/pkg/metrics"
	"github.com/fortiblox/dagfeed/pkg/rpcpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticStatus struct {
	endpoints []rpcpool.EndpointInfo
}

func (s staticStatus) ReadyCount() int {
	n := 0
	for _, e := range s.endpoints {
		if e.Ready {
			n++
		}
	}
	return n
}

func (s staticStatus) TotalCount() int { return len(s.endpoints) }

func (s staticStatus) EndpointStatus() []rpcpool.EndpointInfo { return s.endpoints }

func newTestHandler(t *testing.T, status backendStatus) http.Handler {
	t.Helper()
	hub := broadcast.NewHub(broadcast.HubConfig{})
	t.Cleanup(func() { hub.Close() })
	return newHTTPHandler(hub, status, metrics.New("dagfeed_test"), zap.NewNop())
}

func TestHealthEndpoint(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		endpoints  []rpcpool.EndpointInfo
		wantStatus int
		wantReady  int
	}{
		{
			name: "one ready",
			endpoints: []rpcpool.EndpointInfo{
				{Address: "node-a:16110", Ready: false, LastCheck: now, LastError: "connection refused"},
				{Address: "node-b:16110", Ready: true, Synced: true, UtxoIndexed: true, LastCheck: now},
			},
			wantStatus: http.StatusOK,
			wantReady:  1,
		},
		{
			name: "none ready",
			endpoints: []rpcpool.EndpointInfo{
				{Address: "node-a:16110", Ready: false, LastCheck: now},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantReady:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, staticStatus{endpoints: tt.endpoints})

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)

			var body struct {
				Ready    int                    `json:"ready"`
				Total    int                    `json:"total"`
				Backends []rpcpool.EndpointInfo `json:"backends"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantReady, body.Ready)
			assert.Equal(t, len(tt.endpoints), body.Total)
			assert.Equal(t, tt.endpoints, body.Backends)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler(t, staticStatus{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestWebSocketEndpointRequiresUpgrade(t *testing.T) {
	h := newTestHandler(t, staticStatus{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "dagfeed "+Version+" ("+GitCommit+")\n", out.String())
}
