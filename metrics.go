package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricsCollector 指標收集器與唯讀 HTTP 介面
type MetricsCollector struct {
	mu sync.RWMutex

	startTime time.Time

	// 歷史記錄 (用於計算速率)
	history    []txSample
	maxHistory int

	engine *Engine
	server *http.Server
	stop   chan struct{}
	logger *zap.Logger
}

type txSample struct {
	timestamp    time.Time
	transactions uint64
	failures     uint64
}

// MetricsSnapshot 指標快照
type MetricsSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	Uptime      string    `json:"uptime"`
	EngineState string    `json:"engine_state"`
	Simulated   bool      `json:"simulated"`

	Bus         BusStats `json:"bus"`
	FailureRate float64  `json:"failure_rate"`
	TxPerSec    float64  `json:"tx_per_sec"`

	Devices            int            `json:"devices"`
	ByHealth           map[string]int `json:"by_health"`
	DroppedTransitions uint64         `json:"dropped_transitions"`
	Quarantined        int            `json:"quarantined"`
	Scans              uint64         `json:"scans"`
	RecoveryActive     bool           `json:"recovery_active"`
}

// NewMetricsCollector 建立指標收集器
func NewMetricsCollector(engine *Engine, logger *zap.Logger) *MetricsCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricsCollector{
		engine:     engine,
		logger:     logger,
		maxHistory: 60, // 保留 60 個樣本 (用於計算每秒速率)
		startTime:  time.Now(),
	}
}

// Handler HTTP 路由
func (m *MetricsCollector) Handler(endpoint string) http.Handler {
	if endpoint == "" {
		endpoint = "/metrics"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, m.handleMetrics)
	mux.HandleFunc("/devices", m.handleDevices)
	mux.HandleFunc("/transitions", m.handleTransitions)
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)
	return mux
}

// Start 啟動背景收集與 HTTP 伺服器
func (m *MetricsCollector) Start(endpoint string, port int) error {
	m.startTime = time.Now()
	m.stop = make(chan struct{})
	go m.collectLoop(m.stop)

	addr := fmt.Sprintf(":%d", port)
	m.server = &http.Server{
		Addr:              addr,
		Handler:           m.Handler(endpoint),
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.logger.Info("啟動指標伺服器", zap.String("addr", addr))

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()
	return nil
}

// Stop 關閉 HTTP 伺服器
func (m *MetricsCollector) Stop(ctx context.Context) error {
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// collectLoop 背景收集迴圈
func (m *MetricsCollector) collectLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

// collect 收集指標
func (m *MetricsCollector) collect() {
	if m.engine == nil {
		return
	}
	stats := m.engine.Stats()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, txSample{
		timestamp:    time.Now(),
		transactions: stats.Bus.Transactions,
		failures:     stats.Bus.Failures,
	})
	if len(m.history) > m.maxHistory {
		m.history = m.history[1:]
	}
}

// Snapshot 取得指標快照
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	var stats EngineStats
	if m.engine != nil {
		stats = m.engine.Stats()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		Timestamp:          time.Now(),
		Uptime:             time.Since(m.startTime).String(),
		EngineState:        stats.State,
		Simulated:          stats.Simulated,
		Bus:                stats.Bus,
		Devices:            stats.Devices,
		ByHealth:           make(map[string]int),
		DroppedTransitions: stats.DroppedTransitions,
		Quarantined:        len(stats.Quarantined),
		Scans:              stats.Scans,
		RecoveryActive:     stats.Recovery != nil,
	}
	for _, h := range []HealthState{HealthDiscovered, HealthHealthy, HealthDegraded, HealthSilent} {
		snapshot.ByHealth[h.String()] = stats.ByHealth[h]
	}

	if stats.Bus.Transactions > 0 {
		snapshot.FailureRate = float64(stats.Bus.Failures) / float64(stats.Bus.Transactions) * 100
	}

	if len(m.history) >= 2 {
		first := m.history[0]
		last := m.history[len(m.history)-1]
		duration := last.timestamp.Sub(first.timestamp).Seconds()
		if duration > 0 {
			snapshot.TxPerSec = float64(last.transactions-first.transactions) / duration
		}
	}
	return snapshot
}

// handleMetrics 處理 /metrics 請求
func (m *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	if r.Header.Get("Accept") == "application/json" || r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, snapshot)
		return
	}

	// Prometheus 格式
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	fmt.Fprintf(w, "# HELP rtuguard_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE rtuguard_uptime_seconds gauge\n")
	fmt.Fprintf(w, "rtuguard_uptime_seconds %f\n\n", time.Since(m.startTime).Seconds())

	counters := []struct {
		name, help string
		value      uint64
	}{
		{"transactions_total", "Logical transactions executed", snapshot.Bus.Transactions},
		{"sends_total", "Physical request frames sent", snapshot.Bus.Sends},
		{"retries_total", "Retried sends", snapshot.Bus.Retries},
		{"timeouts_total", "Attempts without a response", snapshot.Bus.Timeouts},
		{"frame_errors_total", "Malformed or corrupted responses", snapshot.Bus.FrameErrors},
		{"exceptions_total", "Device exception responses", snapshot.Bus.Exceptions},
		{"failures_total", "Transactions that exhausted retries", snapshot.Bus.Failures},
		{"broadcasts_total", "Broadcast requests", snapshot.Bus.Broadcasts},
		{"bytes_sent_total", "Bytes written to the line", snapshot.Bus.BytesSent},
		{"bytes_received_total", "Bytes read from the line", snapshot.Bus.BytesReceived},
		{"bytes_drained_total", "Bytes discarded while resynchronising", snapshot.Bus.BytesDrained},
		{"dropped_transitions_total", "Health transitions dropped by slow subscribers", snapshot.DroppedTransitions},
		{"scans_total", "Completed bus scans", snapshot.Scans},
	}
	for _, c := range counters {
		fmt.Fprintf(w, "# HELP rtuguard_%s %s\n", c.name, c.help)
		fmt.Fprintf(w, "# TYPE rtuguard_%s counter\n", c.name)
		fmt.Fprintf(w, "rtuguard_%s %d\n\n", c.name, c.value)
	}

	fmt.Fprintf(w, "# HELP rtuguard_queue_depth Transactions waiting for the bus\n")
	fmt.Fprintf(w, "# TYPE rtuguard_queue_depth gauge\n")
	fmt.Fprintf(w, "rtuguard_queue_depth %d\n\n", snapshot.Bus.QueueDepth)

	fmt.Fprintf(w, "# HELP rtuguard_tx_per_second Transactions per second\n")
	fmt.Fprintf(w, "# TYPE rtuguard_tx_per_second gauge\n")
	fmt.Fprintf(w, "rtuguard_tx_per_second %f\n\n", snapshot.TxPerSec)

	fmt.Fprintf(w, "# HELP rtuguard_devices Known devices by health state\n")
	fmt.Fprintf(w, "# TYPE rtuguard_devices gauge\n")
	for _, h := range []HealthState{HealthDiscovered, HealthHealthy, HealthDegraded, HealthSilent} {
		fmt.Fprintf(w, "rtuguard_devices{health=%q} %d\n", h.String(), snapshot.ByHealth[h.String()])
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP rtuguard_quarantined Addresses quarantined after a failed recovery\n")
	fmt.Fprintf(w, "# TYPE rtuguard_quarantined gauge\n")
	fmt.Fprintf(w, "rtuguard_quarantined %d\n\n", snapshot.Quarantined)

	recovery := 0
	if snapshot.RecoveryActive {
		recovery = 1
	}
	fmt.Fprintf(w, "# HELP rtuguard_recovery_active Recovery session in progress\n")
	fmt.Fprintf(w, "# TYPE rtuguard_recovery_active gauge\n")
	fmt.Fprintf(w, "rtuguard_recovery_active %d\n", recovery)
}

// handleDevices 處理 /devices 請求
func (m *MetricsCollector) handleDevices(w http.ResponseWriter, r *http.Request) {
	if m.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, m.engine.ListDevices())
}

// handleTransitions 處理 /transitions?after=seq 請求
func (m *MetricsCollector) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if m.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "無效的 after 參數"})
			return
		}
		after = v
	}
	writeJSON(w, http.StatusOK, m.engine.Transitions(after))
}

// handleHealth 處理 /health 請求
func (m *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady 處理 /ready 請求
func (m *MetricsCollector) handleReady(w http.ResponseWriter, r *http.Request) {
	if m.engine == nil || m.engine.State() != EngineStateRunning {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
