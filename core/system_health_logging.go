package core

import (
	"context"
	"errors"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics captures a snapshot of validation and reputation subsystem health.
type Metrics struct {
	ValidatedTx        uint64 `json:"validated_tx"`
	PendingValidations  int    `json:"pending_validations"`
	PeerCount           int    `json:"peer_count"`
	OpenCircuitBreakers int    `json:"open_circuit_breakers"`
	FraudRecords        uint64 `json:"fraud_records"`
	MemAlloc            uint64 `json:"mem_alloc"`
	NumGoroutines       int    `json:"goroutines"`
	Timestamp           int64  `json:"timestamp"`
}

// HealthLogger provides simple system monitoring and structured logging for
// the reputation and consensus-validation subsystems.
type HealthLogger struct {
	network *Node
	degrade *DegradationManager
	audit   *AnomalyService

	log  *logrus.Logger
	file *os.File
	mu   sync.Mutex

	registry            *prometheus.Registry
	validatedTxGauge    prometheus.Gauge
	pendingGauge        prometheus.Gauge
	peerCountGauge      prometheus.Gauge
	openBreakersGauge   prometheus.Gauge
	fraudRecordsGauge   prometheus.Gauge
	memAllocGauge       prometheus.Gauge
	goroutinesGauge     prometheus.Gauge
	errorCounter        prometheus.Counter
}

// NewHealthLogger configures a HealthLogger writing JSON logs to the given path.
func NewHealthLogger(n *Node, dm *DegradationManager, as *AnomalyService, path string) (*HealthLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	lg := logrus.New()
	lg.SetFormatter(&logrus.JSONFormatter{})
	lg.SetOutput(f)
	reg := prometheus.NewRegistry()

	h := &HealthLogger{network: n, degrade: dm, audit: as, log: lg, file: f, registry: reg}

	h.validatedTxGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cvm_validated_tx_total",
		Help: "Number of transactions validated by the HAT consensus layer",
	})
	h.pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cvm_pending_validations",
		Help: "Number of validation requests awaiting a consensus result",
	})
	h.peerCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cvm_peer_count",
		Help: "Number of connected peers",
	})
	h.openBreakersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cvm_open_circuit_breakers",
		Help: "Number of circuit breakers currently open or half-open",
	})
	h.fraudRecordsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cvm_fraud_records_total",
		Help: "Number of transactions flagged by the anomaly service",
	})
	h.memAllocGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cvm_mem_alloc_bytes",
		Help: "Current memory allocation in bytes",
	})
	h.goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cvm_goroutines",
		Help: "Number of running goroutines",
	})
	h.errorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cvm_log_errors_total",
		Help: "Total number of error events logged",
	})

	reg.MustRegister(
		h.validatedTxGauge,
		h.pendingGauge,
		h.peerCountGauge,
		h.openBreakersGauge,
		h.fraudRecordsGauge,
		h.memAllocGauge,
		h.goroutinesGauge,
		h.errorCounter,
	)

	return h, nil
}

// Close releases the underlying log file.
func (h *HealthLogger) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}

// Rotate switches logging to a new file path.
func (h *HealthLogger) Rotate(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.file.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	h.log.SetOutput(f)
	h.file = f
	return nil
}

// LogEvent records an arbitrary message with the specified log level.
func (h *HealthLogger) LogEvent(level logrus.Level, msg string) {
	h.mu.Lock()
	if level >= logrus.ErrorLevel {
		h.errorCounter.Inc()
	}
	h.log.Log(level, msg)
	h.mu.Unlock()
}

// MetricsSnapshot gathers current metrics from the network, degradation
// manager, anomaly service and Go runtime. ValidatedTx and
// PendingValidations are not filled in here and stay 0.
func (h *HealthLogger) MetricsSnapshot() Metrics {
	m := Metrics{Timestamp: time.Now().Unix(), NumGoroutines: runtime.NumGoroutine()}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.MemAlloc = mem.Alloc

	if h.network != nil {
		m.PeerCount = len(h.network.Peers())
	}
	if h.degrade != nil {
		m.OpenCircuitBreakers = h.degrade.OpenCount()
	}
	if h.audit != nil {
		m.FraudRecords = uint64(len(h.audit.Flagged()))
	}
	return m
}

// RecordMetrics captures the current snapshot and updates Prometheus gauges.
func (h *HealthLogger) RecordMetrics() {
	m := h.MetricsSnapshot()
	h.validatedTxGauge.Set(float64(m.ValidatedTx))
	h.pendingGauge.Set(float64(m.PendingValidations))
	h.peerCountGauge.Set(float64(m.PeerCount))
	h.openBreakersGauge.Set(float64(m.OpenCircuitBreakers))
	h.fraudRecordsGauge.Set(float64(m.FraudRecords))
	h.memAllocGauge.Set(float64(m.MemAlloc))
	h.goroutinesGauge.Set(float64(m.NumGoroutines))
	h.LogEvent(logrus.InfoLevel, "metrics recorded")
}

// RunMetricsCollector periodically records metrics until the context is canceled.
func (h *HealthLogger) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.RecordMetrics()
		case <-ctx.Done():
			return
		}
	}
}

// StartMetricsServer exposes a Prometheus metrics endpoint on the given address.
// It returns the underlying http.Server so callers may manage its lifecycle.
func (h *HealthLogger) StartMetricsServer(addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.LogEvent(logrus.ErrorLevel, err.Error())
		}
	}()
	return srv, nil
}

// ShutdownMetricsServer gracefully stops the metrics HTTP server.
func (h *HealthLogger) ShutdownMetricsServer(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
