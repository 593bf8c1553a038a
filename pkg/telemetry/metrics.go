package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides the orchestrator's Prometheus collectors. A nil or
// disabled *Metrics accepts every Record call and does nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted    *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	activeRuns     prometheus.Gauge
	budgetExceeded prometheus.Counter
	costCharged    prometheus.Counter

	// Node metrics
	nodeExecutions *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	nodeRetries    *prometheus.CounterVec

	// Ingestion metrics
	eventsIngested  *prometheus.CounterVec
	eventsDuplicate *prometheus.CounterVec
	eventsRejected  *prometheus.CounterVec
	deadLettered    prometheus.Counter
	dispatcherLanes prometheus.Gauge

	// Domain service metrics
	serviceCalls    *prometheus.CounterVec
	serviceDuration *prometheus.HistogramVec
	reconnects      *prometheus.CounterVec

	// Policy and LLM metrics
	policyChecks  *prometheus.CounterVec
	policyReloads *prometheus.CounterVec
	llmTokens     *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of pipeline runs started",
		}, []string{"pipeline"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Total number of pipeline runs reaching a terminal state",
		}, []string{"state"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of pipeline runs in seconds",
			Buckets:   buckets,
		}, []string{"state"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Current number of non-terminal runs owned by this process",
		}),
		budgetExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_exceeded_total",
			Help:      "Total number of runs stopped by their cost budget",
		}),
		costCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_charged_usd_total",
			Help:      "Total token cost charged across all runs in USD",
		}),

		nodeExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of node attempts by outcome",
		}, []string{"node", "status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of node attempts in seconds",
			Buckets:   buckets,
		}, []string{"node"}),
		nodeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Total number of node retries scheduled",
		}, []string{"node"}),

		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Total number of events admitted by the ingestion layer",
		}, []string{"source", "kind"}),
		eventsDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Total number of duplicate events dropped",
		}, []string{"source"}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Total number of events rejected at ingestion",
		}, []string{"source", "reason"}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dead_lettered_total",
			Help:      "Total number of queue messages moved to the dead letter state",
		}),
		dispatcherLanes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatcher_lanes",
			Help:      "Current number of live per-key dispatch lanes",
		}),

		serviceCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "domain_service_calls_total",
			Help:      "Total number of domain service calls by outcome",
		}, []string{"service", "method", "outcome"}),
		serviceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "domain_service_call_duration_seconds",
			Help:      "Duration of domain service calls in seconds",
			Buckets:   buckets,
		}, []string{"service", "method"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "domain_service_reconnects_total",
			Help:      "Total number of domain service connection re-establishments",
		}, []string{"service"}),

		policyChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_checks_total",
			Help:      "Total number of constitutional checks by check and result",
		}, []string{"check", "result"}),
		policyReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_reloads_total",
			Help:      "Total number of constitutional rule reloads by outcome",
		}, []string{"outcome"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Total number of language-model tokens reported by direction",
		}, []string{"direction"}),

		errorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of classified errors by kind and code",
		}, []string{"kind", "code"}),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsFinished,
		m.runDuration,
		m.activeRuns,
		m.budgetExceeded,
		m.costCharged,
		m.nodeExecutions,
		m.nodeDuration,
		m.nodeRetries,
		m.eventsIngested,
		m.eventsDuplicate,
		m.eventsRejected,
		m.deadLettered,
		m.dispatcherLanes,
		m.serviceCalls,
		m.serviceDuration,
		m.reconnects,
		m.policyChecks,
		m.policyReloads,
		m.llmTokens,
		m.errorsByKind,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Run Metrics

// RecordRunStarted counts a started or resumed run.
func (m *Metrics) RecordRunStarted(pipeline string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(pipeline).Inc()
	m.activeRuns.Inc()
}

// RecordRunFinished records a run reaching a terminal state.
func (m *Metrics) RecordRunFinished(state string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsFinished.WithLabelValues(state).Inc()
	m.runDuration.WithLabelValues(state).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordRunReleased decrements the active gauge for a run that suspended
// without finishing, such as on shutdown.
func (m *Metrics) RecordRunReleased() {
	if !m.enabled() {
		return
	}
	m.activeRuns.Dec()
}

// RecordBudgetExceeded counts a run stopped by its budget.
func (m *Metrics) RecordBudgetExceeded() {
	if !m.enabled() {
		return
	}
	m.budgetExceeded.Inc()
}

// RecordCost adds a charge in USD.
func (m *Metrics) RecordCost(usd float64) {
	if !m.enabled() || usd <= 0 {
		return
	}
	m.costCharged.Add(usd)
}

// Node Metrics

// RecordNodeExecution records one node attempt.
func (m *Metrics) RecordNodeExecution(node, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.nodeExecutions.WithLabelValues(node, status).Inc()
	m.nodeDuration.WithLabelValues(node).Observe(duration.Seconds())
}

// RecordNodeRetry counts a scheduled retry.
func (m *Metrics) RecordNodeRetry(node string) {
	if !m.enabled() {
		return
	}
	m.nodeRetries.WithLabelValues(node).Inc()
}

// Ingestion Metrics

// RecordEventIngested counts an admitted event.
func (m *Metrics) RecordEventIngested(source, kind string) {
	if !m.enabled() {
		return
	}
	m.eventsIngested.WithLabelValues(source, kind).Inc()
}

// RecordEventDuplicate counts a dropped duplicate.
func (m *Metrics) RecordEventDuplicate(source string) {
	if !m.enabled() {
		return
	}
	m.eventsDuplicate.WithLabelValues(source).Inc()
}

// RecordEventRejected counts a rejected event.
func (m *Metrics) RecordEventRejected(source, reason string) {
	if !m.enabled() {
		return
	}
	m.eventsRejected.WithLabelValues(source, reason).Inc()
}

// RecordDeadLettered counts messages moved to the dead letter state.
func (m *Metrics) RecordDeadLettered(n int) {
	if !m.enabled() || n <= 0 {
		return
	}
	m.deadLettered.Add(float64(n))
}

// SetDispatcherLanes sets the number of live dispatch lanes.
func (m *Metrics) SetDispatcherLanes(n int) {
	if !m.enabled() {
		return
	}
	m.dispatcherLanes.Set(float64(n))
}

// Domain Service Metrics

// RecordServiceCall records a domain service call.
func (m *Metrics) RecordServiceCall(service, method, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.serviceCalls.WithLabelValues(service, method, outcome).Inc()
	m.serviceDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// RecordReconnect counts a connection re-establishment.
func (m *Metrics) RecordReconnect(service string) {
	if !m.enabled() {
		return
	}
	m.reconnects.WithLabelValues(service).Inc()
}

// Policy and LLM Metrics

// RecordPolicyCheck counts a constitutional check. result is pass,
// violation or error.
func (m *Metrics) RecordPolicyCheck(check, result string) {
	if !m.enabled() {
		return
	}
	m.policyChecks.WithLabelValues(check, result).Inc()
}

// RecordPolicyReload counts a rule reload.
func (m *Metrics) RecordPolicyReload(outcome string) {
	if !m.enabled() {
		return
	}
	m.policyReloads.WithLabelValues(outcome).Inc()
}

// RecordLLMTokens adds reported token usage.
func (m *Metrics) RecordLLMTokens(input, output uint64) {
	if !m.enabled() {
		return
	}
	m.llmTokens.WithLabelValues("input").Add(float64(input))
	m.llmTokens.WithLabelValues("output").Add(float64(output))
}

// Error Metrics

// RecordError records a classified error.
func (m *Metrics) RecordError(kind, code string) {
	if !m.enabled() {
		return
	}
	m.errorsByKind.WithLabelValues(kind, code).Inc()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
