package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func get(t *testing.T, h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMetrics_NoEngine(t *testing.T) {
	h := NewMetricsCollector(nil, nil).Handler("")

	tests := []struct {
		target string
		status int
	}{
		{"/health", http.StatusOK},
		{"/ready", http.StatusServiceUnavailable},
		{"/devices", http.StatusServiceUnavailable},
		{"/transitions", http.StatusServiceUnavailable},
		{"/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.status, get(t, h, tt.target).Code)
		})
	}
}

func TestMetrics_Engine(t *testing.T) {
	e := startTestEngine(t, newTestEngineConfig(t))
	scanAll(t, e, NewScanRange(1, 20))

	m := NewMetricsCollector(e, zaptest.NewLogger(t))
	h := m.Handler("/metrics")

	assert.Equal(t, http.StatusOK, get(t, h, "/ready").Code)

	t.Run("prometheus", func(t *testing.T) {
		rec := get(t, h, "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, "# TYPE rtuguard_transactions_total counter")
		assert.Contains(t, body, `rtuguard_devices{health="discovered"} 2`)
		assert.Contains(t, body, "rtuguard_scans_total 1")
		assert.Contains(t, body, "rtuguard_recovery_active 0")
	})

	t.Run("json", func(t *testing.T) {
		rec := get(t, h, "/metrics", "Accept", "application/json")
		require.Equal(t, http.StatusOK, rec.Code)
		var snap MetricsSnapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.Equal(t, "running", snap.EngineState)
		assert.True(t, snap.Simulated)
		assert.Equal(t, 2, snap.Devices)
		assert.Equal(t, 2, snap.ByHealth["discovered"])
		assert.NotZero(t, snap.Bus.Transactions)
		assert.Greater(t, snap.FailureRate, 0.0, "空位址的探測失敗")
	})

	t.Run("devices", func(t *testing.T) {
		rec := get(t, h, "/devices")
		require.Equal(t, http.StatusOK, rec.Code)
		var devices []struct {
			Address uint8  `json:"address"`
			Profile string `json:"profile"`
			Health  string `json:"health"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
		require.Len(t, devices, 2)
		assert.Equal(t, "arex-relay", devices[0].Profile)
		assert.Equal(t, "discovered", devices[0].Health)
	})

	t.Run("transitions", func(t *testing.T) {
		rec := get(t, h, "/transitions?after=1")
		require.Equal(t, http.StatusOK, rec.Code)
		var events []HealthTransition
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
		require.Len(t, events, 1)
		assert.Equal(t, uint8(17), events[0].Address)

		assert.Equal(t, http.StatusBadRequest, get(t, h, "/transitions?after=bad").Code)
	})
}

func TestMetrics_TxPerSec(t *testing.T) {
	m := NewMetricsCollector(nil, nil)
	now := time.Now()
	m.history = []txSample{
		{timestamp: now.Add(-2 * time.Second), transactions: 10},
		{timestamp: now, transactions: 30},
	}
	assert.InDelta(t, 10.0, m.Snapshot().TxPerSec, 0.001)
}
