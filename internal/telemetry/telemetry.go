package telemetry

import (
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forager-labs/forager/config"
)

// Telemetry aggregates run metrics and cost tracking. Counters are exported
// through prometheus; the cost summary is kept in-process for the API layer.
type Telemetry struct {
	cfg    config.TelemetryConfig
	logger *log.Logger

	cycles           *prometheus.CounterVec
	gaps             *prometheus.CounterVec
	detectorDegraded prometheus.Counter
	dispatches       *prometheus.CounterVec
	toolErrors       prometheus.Counter
	conflicts        *prometheus.CounterVec
	refreshRuns      prometheus.Counter
	spend            prometheus.Counter
	tokens           prometheus.Counter

	mu         sync.Mutex
	totalCost  float64
	totalToken int64
	srv        *http.Server
}

var (
	registerOnce sync.Once
	shared       struct {
		cycles           *prometheus.CounterVec
		gaps             *prometheus.CounterVec
		detectorDegraded prometheus.Counter
		dispatches       *prometheus.CounterVec
		toolErrors       prometheus.Counter
		conflicts        *prometheus.CounterVec
		refreshRuns      prometheus.Counter
		spend            prometheus.Counter
		tokens           prometheus.Counter
	}
)

func initShared() {
	shared.cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forager_cycles_total",
		Help: "Orchestrator cycles by terminal phase.",
	}, []string{"phase"})
	shared.gaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forager_gaps_detected_total",
		Help: "Knowledge gaps emitted by detector source.",
	}, []string{"source"})
	shared.detectorDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forager_detector_degraded_total",
		Help: "Cycles where the detector fell back to heuristics only.",
	})
	shared.dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forager_dispatches_total",
		Help: "Research task dispatches by tier and result.",
	}, []string{"tier", "result"})
	shared.toolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forager_tool_errors_total",
		Help: "Tool execution errors after tier escalation was exhausted.",
	})
	shared.conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forager_memory_conflicts_total",
		Help: "Memory conflicts by resolution.",
	}, []string{"resolution"})
	shared.refreshRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forager_refresh_tasks_total",
		Help: "Research tasks issued by the refresh scheduler.",
	})
	shared.spend = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forager_spend_dollars_total",
		Help: "Accumulated provider and tool spend.",
	})
	shared.tokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forager_tokens_total",
		Help: "Accumulated provider tokens.",
	})
}

// NewTelemetry builds the telemetry aggregate and, when enabled, serves the
// prometheus endpoint on the configured port.
func NewTelemetry(cfg config.TelemetryConfig, logger *log.Logger) *Telemetry {
	if logger == nil {
		logger = log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags)
	}
	registerOnce.Do(initShared)
	t := &Telemetry{
		cfg:              cfg,
		logger:           logger,
		cycles:           shared.cycles,
		gaps:             shared.gaps,
		detectorDegraded: shared.detectorDegraded,
		dispatches:       shared.dispatches,
		toolErrors:       shared.toolErrors,
		conflicts:        shared.conflicts,
		refreshRuns:      shared.refreshRuns,
		spend:            shared.spend,
		tokens:           shared.tokens,
	}
	if cfg.Enabled && cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		t.srv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: mux}
		go func() {
			if err := t.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics server: %v", err)
			}
		}()
	}
	return t
}

// Shutdown stops the metrics endpoint if one was started.
func (t *Telemetry) Shutdown() {
	if t != nil && t.srv != nil {
		_ = t.srv.Close()
	}
}

func (t *Telemetry) RecordCycle(phase string) {
	if t == nil {
		return
	}
	t.cycles.WithLabelValues(phase).Inc()
}

func (t *Telemetry) RecordGap(source string) {
	if t == nil {
		return
	}
	t.gaps.WithLabelValues(source).Inc()
}

func (t *Telemetry) RecordDetectorDegraded(reason string) {
	if t == nil {
		return
	}
	t.detectorDegraded.Inc()
	t.logger.Printf("DetectorDegraded: %s", reason)
}

func (t *Telemetry) RecordDispatch(tier string, success bool) {
	if t == nil {
		return
	}
	result := "ok"
	if !success {
		result = "error"
	}
	t.dispatches.WithLabelValues(tier, result).Inc()
}

func (t *Telemetry) RecordToolError() {
	if t == nil {
		return
	}
	t.toolErrors.Inc()
}

func (t *Telemetry) RecordConflict(resolution string) {
	if t == nil {
		return
	}
	t.conflicts.WithLabelValues(resolution).Inc()
}

func (t *Telemetry) RecordRefreshTask() {
	if t == nil {
		return
	}
	t.refreshRuns.Inc()
}

// AddCost accumulates spend for the cost summary and prometheus counters.
func (t *Telemetry) AddCost(cost float64, tokens int64) {
	if t == nil || !t.cfg.CostTracking {
		return
	}
	t.mu.Lock()
	t.totalCost += cost
	t.totalToken += tokens
	t.mu.Unlock()
	if cost > 0 {
		t.spend.Add(cost)
	}
	if tokens > 0 {
		t.tokens.Add(float64(tokens))
	}
}

// CostSummary returns accumulated spend since process start.
func (t *Telemetry) CostSummary() (cost float64, tokens int64) {
	if t == nil {
		return 0, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalCost, t.totalToken
}
