package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-offload/internal/bench"
	"github.com/23skdu/longbow-offload/internal/offload"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	hm := NewHealthMonitor("baseline", 4)
	w := get(t, hm.Handler(), "/health")
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])

	hm.MinThroughput = 50
	hm.RecordBatch(bench.BatchResult{Tokens: 10, Duration: time.Second})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, hm.Handler(), "/healthz").Code)
	hm.RecordBatch(bench.BatchResult{Tokens: 20, Duration: time.Second})
	assert.Len(t, hm.Status().Alerts, 1, "one open alert while throughput stays low")

	hm.RecordBatch(bench.BatchResult{Tokens: 100, Duration: time.Second})
	assert.Equal(t, http.StatusOK, get(t, hm.Handler(), "/health").Code)
	alerts := hm.Status().Alerts
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Resolved)
	assert.NotNil(t, alerts[0].ResolvedAt)
}

func TestStatusTracksBatches(t *testing.T) {
	stats := offload.Stats{Hits: 3}
	hm := NewHealthMonitor("replay", 3)
	hm.Stats = func() offload.Stats { return stats }

	hm.RecordBatch(bench.BatchResult{Index: 0, Tokens: 100, Duration: 100 * time.Millisecond})
	hm.RecordBatch(bench.BatchResult{Index: 1, Tokens: 100, Duration: 300 * time.Millisecond})

	w := get(t, hm.Handler(), "/status")
	require.Equal(t, http.StatusOK, w.Code)
	var st HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "replay", st.Run.Mode)
	assert.Equal(t, 2, st.Run.BatchesDone)
	assert.Equal(t, 200, st.Run.TokensRecorded)
	assert.InDelta(t, 500.0, st.Performance.TokensPerSecond, 1e-6)
	assert.InDelta(t, 200.0, st.Performance.AvgBatchMs, 1e-6)
	assert.InDelta(t, 300.0, st.Performance.P95BatchMs, 1e-6)
	require.NotNil(t, st.Buffer)
	assert.Equal(t, int64(3), st.Buffer.Hits)
}

func TestAlerts(t *testing.T) {
	var stats offload.Stats
	hm := NewHealthMonitor("baseline", 2)
	hm.MinThroughput = 50
	hm.Stats = func() offload.Stats { return stats }

	stats.Stale = 2
	hm.RecordBatch(bench.BatchResult{Tokens: 10, Duration: time.Second})
	hm.RecordBatch(bench.BatchResult{Tokens: 1000, Duration: time.Second})

	var alerts []Alert
	require.NoError(t, json.Unmarshal(get(t, hm.Handler(), "/admin/alerts").Body.Bytes(), &alerts))
	require.Len(t, alerts, 2)
	assert.Equal(t, "run", alerts[0].Component)
	assert.Equal(t, "error", alerts[0].Level)
	assert.True(t, alerts[0].Resolved, "second batch is above the minimum")
	assert.Equal(t, "prefetch", alerts[1].Component)
	assert.Equal(t, "warning", alerts[1].Level)

	assert.Equal(t, http.StatusMethodNotAllowed, get(t, hm.Handler(), "/admin/clear-alerts").Code)
	req := httptest.NewRequest(http.MethodPost, "/admin/clear-alerts", nil)
	w := httptest.NewRecorder()
	hm.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, hm.Status().Alerts)
}

func TestMetricsEndpoint(t *testing.T) {
	w := get(t, NewHealthMonitor("baseline", 1).Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
