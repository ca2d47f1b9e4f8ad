package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// GatewayStats 閘道器統計計數器
//
// 全部使用原子操作: 入站處理器、會話管理器與排程器
// 各自在不同 goroutine 更新，統計迴圈定期讀取。
type GatewayStats struct {
	RegistersReceived   atomic.Uint64
	UpdatesAttempted    atomic.Uint64
	UpdatesSucceeded    atomic.Uint64
	UpdatesFailed       atomic.Uint64
	ConsecutiveFailures atomic.Uint64
	ConnectAttempts     atomic.Uint64
	ConnectFailures     atomic.Uint64

	lastSuccessUnixNano atomic.Int64
}

// RecordSuccess 記錄一次成功的出站更新
func (s *GatewayStats) RecordSuccess(now time.Time) {
	s.UpdatesSucceeded.Add(1)
	s.ConsecutiveFailures.Store(0)
	s.lastSuccessUnixNano.Store(now.UnixNano())
}

// RecordFailure 記錄一次失敗的出站更新
func (s *GatewayStats) RecordFailure() {
	s.UpdatesFailed.Add(1)
	s.ConsecutiveFailures.Add(1)
}

// LastSuccessTime 最近一次成功更新的時間 (從未成功時為零值)
func (s *GatewayStats) LastSuccessTime() time.Time {
	nanos := s.lastSuccessUnixNano.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// StatsSnapshot 統計快照
type StatsSnapshot struct {
	Timestamp           time.Time `json:"timestamp"`
	Uptime              string    `json:"uptime"`
	GatewayState        string    `json:"gateway_state"`
	SessionState        string    `json:"session_state"`
	RegistersReceived   uint64    `json:"registers_received"`
	UpdatesAttempted    uint64    `json:"updates_attempted"`
	UpdatesSucceeded    uint64    `json:"updates_succeeded"`
	UpdatesFailed       uint64    `json:"updates_failed"`
	ConsecutiveFailures uint64    `json:"consecutive_failures"`
	ConnectAttempts     uint64    `json:"connect_attempts"`
	ConnectFailures     uint64    `json:"connect_failures"`
	SuccessRate         float64   `json:"success_rate"`
	LastSuccessTime     string    `json:"last_success_time,omitempty"`
}

// MetricsCollector 指標收集器
type MetricsCollector struct {
	startTime time.Time

	gateway *Gateway
	stats   *GatewayStats
	logger  *zap.Logger
}

// NewMetricsCollector 建立指標收集器
func NewMetricsCollector(gateway *Gateway, stats *GatewayStats, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		gateway: gateway,
		stats:   stats,
		logger:  logger,
	}
}

// Start 啟動指標 HTTP 伺服器
func (m *MetricsCollector) Start(endpoint string, port int) error {
	m.startTime = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, m.handleMetrics)
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("啟動指標伺服器", zap.String("addr", addr))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()

	return nil
}

// Snapshot 取得統計快照
func (m *MetricsCollector) Snapshot() StatsSnapshot {
	attempted := m.stats.UpdatesAttempted.Load()
	succeeded := m.stats.UpdatesSucceeded.Load()

	snapshot := StatsSnapshot{
		Timestamp:           time.Now(),
		Uptime:              time.Since(m.startTime).String(),
		GatewayState:        m.gateway.State().String(),
		SessionState:        m.gateway.SessionState().String(),
		RegistersReceived:   m.stats.RegistersReceived.Load(),
		UpdatesAttempted:    attempted,
		UpdatesSucceeded:    succeeded,
		UpdatesFailed:       m.stats.UpdatesFailed.Load(),
		ConsecutiveFailures: m.stats.ConsecutiveFailures.Load(),
		ConnectAttempts:     m.stats.ConnectAttempts.Load(),
		ConnectFailures:     m.stats.ConnectFailures.Load(),
	}

	// 計算成功率
	if attempted > 0 {
		snapshot.SuccessRate = float64(succeeded) / float64(attempted) * 100
	}

	if last := m.stats.LastSuccessTime(); !last.IsZero() {
		snapshot.LastSuccessTime = last.Format(time.RFC3339)
	}

	return snapshot
}

// handleMetrics 處理 /metrics 請求
func (m *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	// 檢查 Accept header
	accept := r.Header.Get("Accept")
	if accept == "application/json" || r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
		return
	}

	// Prometheus 格式
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	fmt.Fprintf(w, "# HELP subgw_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE subgw_uptime_seconds gauge\n")
	fmt.Fprintf(w, "subgw_uptime_seconds %f\n\n", time.Since(m.startTime).Seconds())

	fmt.Fprintf(w, "# HELP subgw_registers_received_total Registers received from inbound writes\n")
	fmt.Fprintf(w, "# TYPE subgw_registers_received_total counter\n")
	fmt.Fprintf(w, "subgw_registers_received_total %d\n\n", snapshot.RegistersReceived)

	fmt.Fprintf(w, "# HELP subgw_updates_attempted_total Attribute updates attempted\n")
	fmt.Fprintf(w, "# TYPE subgw_updates_attempted_total counter\n")
	fmt.Fprintf(w, "subgw_updates_attempted_total %d\n\n", snapshot.UpdatesAttempted)

	fmt.Fprintf(w, "# HELP subgw_updates_succeeded_total Attribute updates succeeded\n")
	fmt.Fprintf(w, "# TYPE subgw_updates_succeeded_total counter\n")
	fmt.Fprintf(w, "subgw_updates_succeeded_total %d\n\n", snapshot.UpdatesSucceeded)

	fmt.Fprintf(w, "# HELP subgw_updates_failed_total Attribute updates failed\n")
	fmt.Fprintf(w, "# TYPE subgw_updates_failed_total counter\n")
	fmt.Fprintf(w, "subgw_updates_failed_total %d\n\n", snapshot.UpdatesFailed)

	fmt.Fprintf(w, "# HELP subgw_consecutive_failures Consecutive failed updates\n")
	fmt.Fprintf(w, "# TYPE subgw_consecutive_failures gauge\n")
	fmt.Fprintf(w, "subgw_consecutive_failures %d\n\n", snapshot.ConsecutiveFailures)

	fmt.Fprintf(w, "# HELP subgw_connect_attempts_total Session connect attempts\n")
	fmt.Fprintf(w, "# TYPE subgw_connect_attempts_total counter\n")
	fmt.Fprintf(w, "subgw_connect_attempts_total %d\n\n", snapshot.ConnectAttempts)

	fmt.Fprintf(w, "# HELP subgw_connect_failures_total Session connect failures\n")
	fmt.Fprintf(w, "# TYPE subgw_connect_failures_total counter\n")
	fmt.Fprintf(w, "subgw_connect_failures_total %d\n\n", snapshot.ConnectFailures)

	fmt.Fprintf(w, "# HELP subgw_update_success_rate Update success rate in percent\n")
	fmt.Fprintf(w, "# TYPE subgw_update_success_rate gauge\n")
	fmt.Fprintf(w, "subgw_update_success_rate %f\n", snapshot.SuccessRate)
}

// handleHealth 處理 /health 請求
func (m *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReady 處理 /ready 請求
func (m *MetricsCollector) handleReady(w http.ResponseWriter, r *http.Request) {
	if m.gateway == nil || m.gateway.State() != GatewayStateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
