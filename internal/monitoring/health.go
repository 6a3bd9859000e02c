package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-offload/internal/bench"
	"github.com/23skdu/longbow-offload/internal/logger"
	"github.com/23skdu/longbow-offload/internal/offload"
)

// HealthStatus represents the health of a running benchmark
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Run         RunInfo         `json:"run"`
	Buffer      *offload.Stats  `json:"buffer,omitempty"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// RunInfo describes the benchmark in progress
type RunInfo struct {
	Mode           string `json:"mode"`
	BatchesDone    int    `json:"batches_done"`
	BatchesTotal   int    `json:"batches_total"`
	TokensRecorded int    `json:"tokens_recorded"`
}

type PerformanceInfo struct {
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgBatchMs      float64   `json:"avg_batch_ms"`
	P95BatchMs      float64   `json:"p95_batch_ms"`
	LastBatch       time.Time `json:"last_batch"`
}

// Alert represents a condition worth a look
type Alert struct {
	Level      string     `json:"level"`     // warning, error
	Component  string     `json:"component"` // run, buffer, prefetch
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type perfPoint struct {
	Timestamp time.Time
	Tokens    int
	Duration  time.Duration
}

// HealthMonitor serves /health, /status and /metrics for long benchmark
// runs. Buffer statistics are pulled from Stats when it is set.
type HealthMonitor struct {
	Version string
	// MinThroughput opens an error alert for a batch slower than this many
	// tokens per second; the alert resolves once a batch is fast enough
	// again. Zero disables the check.
	MinThroughput float64
	Stats         func() offload.Stats

	startTime time.Time
	server    *http.Server

	mu          sync.RWMutex
	alerts      []Alert
	run         RunInfo
	lastBatch   time.Time
	perfHistory []perfPoint
	lastStale   int64
}

func NewHealthMonitor(mode string, totalBatches int) *HealthMonitor {
	return &HealthMonitor{
		Version:   "dev",
		startTime: time.Now(),
		run:       RunInfo{Mode: mode, BatchesTotal: totalBatches},
	}
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start listens on addr and serves in the background. It returns once the
// listener is bound.
func (hm *HealthMonitor) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health monitor listen %s: %w", addr, err)
	}
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("health monitor starting", "addr", ln.Addr().String())
	go func() {
		if err := hm.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("health monitor stopped", "err", err)
		}
	}()
	return nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordBatch records a finished batch. It has the signature of
// bench.Harness.OnBatch.
func (hm *HealthMonitor) RecordBatch(res bench.BatchResult) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	now := time.Now()
	hm.lastBatch = now
	hm.run.BatchesDone++
	hm.run.TokensRecorded += res.Tokens

	point := perfPoint{Timestamp: now, Tokens: res.Tokens, Duration: res.Duration}
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > 1000 {
		hm.perfHistory = hm.perfHistory[1:]
	}

	hm.checkPerformanceAlerts(point)
	if hm.Stats != nil {
		hm.checkBufferAlerts(hm.Stats())
	}
}

// addAlert requires hm.mu.
func (hm *HealthMonitor) addAlert(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > 100 {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("alert", "level", level, "component", component, "message", message)
}

// resolveAlerts marks every open alert of component resolved and reports
// whether there was one. Requires hm.mu.
func (hm *HealthMonitor) resolveAlerts(component string) bool {
	now := time.Now()
	found := false
	for i := range hm.alerts {
		if hm.alerts[i].Component == component && !hm.alerts[i].Resolved {
			hm.alerts[i].Resolved = true
			hm.alerts[i].ResolvedAt = &now
			found = true
		}
	}
	return found
}

// hasOpen requires hm.mu.
func (hm *HealthMonitor) hasOpen(component string) bool {
	for _, a := range hm.alerts {
		if a.Component == component && !a.Resolved {
			return true
		}
	}
	return false
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status is the snapshot served by /status. Any unresolved error alert
// marks the run degraded.
func (hm *HealthMonitor) Status() HealthStatus {
	var buf *offload.Stats
	if hm.Stats != nil {
		s := hm.Stats()
		buf = &s
	}

	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "error" {
			status = "degraded"
			break
		}
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     hm.Version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Run:         hm.run,
		Buffer:      buf,
		Performance: hm.performanceInfo(),
		Alerts:      append([]Alert(nil), hm.alerts...),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

// performanceInfo requires hm.mu.
func (hm *HealthMonitor) performanceInfo() PerformanceInfo {
	info := PerformanceInfo{LastBatch: hm.lastBatch}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var totalTokens int
	var totalDuration time.Duration
	latencies := make([]float64, len(hm.perfHistory))
	for i, point := range hm.perfHistory {
		totalTokens += point.Tokens
		totalDuration += point.Duration
		latencies[i] = float64(point.Duration.Nanoseconds()) / 1e6
	}
	sort.Float64s(latencies)

	info.AvgBatchMs = stat.Mean(latencies, nil)
	info.P95BatchMs = stat.Quantile(0.95, stat.Empirical, latencies, nil)
	if totalDuration > 0 {
		info.TokensPerSecond = float64(totalTokens) / totalDuration.Seconds()
	}
	return info
}

// checkPerformanceAlerts requires hm.mu.
func (hm *HealthMonitor) checkPerformanceAlerts(point perfPoint) {
	if hm.MinThroughput <= 0 || point.Duration <= 0 {
		return
	}
	tokensPerSecond := float64(point.Tokens) / point.Duration.Seconds()
	if tokensPerSecond >= hm.MinThroughput {
		if hm.resolveAlerts("run") {
			logger.Log.Info("throughput recovered", "tokens_per_sec", tokensPerSecond)
		}
		return
	}
	if !hm.hasOpen("run") {
		hm.addAlert("error", "run",
			fmt.Sprintf("Low throughput: %.2f tokens/sec (minimum %.2f)", tokensPerSecond, hm.MinThroughput))
	}
}

// checkBufferAlerts requires hm.mu.
func (hm *HealthMonitor) checkBufferAlerts(s offload.Stats) {
	if s.Stale > hm.lastStale {
		hm.addAlert("warning", "prefetch",
			fmt.Sprintf("%d prefetches missed their deadline", s.Stale-hm.lastStale))
	}
	hm.lastStale = s.Stale
}
