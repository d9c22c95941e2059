package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Decisio kernel.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsAdmitted *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec

	// Stage metrics
	stageExecutions *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	stageRetries    *prometheus.CounterVec

	// Ledger metrics
	ledgerCommits        *prometheus.CounterVec
	ledgerCommitFailures prometheus.Counter
	ledgerStalls         prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Admission metrics
	throttledSubmissions *prometheus.CounterVec
	policyDenials        *prometheus.CounterVec

	// System metrics
	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance; all record methods nil-check their collectors
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsAdmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_admitted_total",
				Help:      "Total number of runs admitted by the scheduler",
			},
			[]string{"tenant"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Total number of runs reaching a terminal status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration from admission to terminal status in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		stageExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_executions_total",
				Help:      "Total stage attempts by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of stage attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),
		stageRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_retries_total",
				Help:      "Total stage retries after transient failures",
			},
			[]string{"stage"},
		),

		ledgerCommits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_commits_total",
				Help:      "Total ledger entries committed by action",
			},
			[]string{"action"},
		),
		ledgerCommitFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_commit_failures_total",
				Help:      "Total ledger append attempts that failed",
			},
		),
		ledgerStalls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_stalls_total",
				Help:      "Total runs stalled because a ledger commit could not be made durable",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total errors by error code",
			},
			[]string{"code"},
		),

		throttledSubmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttled_submissions_total",
				Help:      "Total goal submissions rejected at the tenant concurrency cap",
			},
			[]string{"tenant"},
		),
		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total goal submissions denied by admission policy",
			},
			[]string{"tenant"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of runs in a non-terminal status",
			},
		),
	}

	registry.MustRegister(
		m.runsAdmitted,
		m.runsFinished,
		m.runDuration,
		m.stageExecutions,
		m.stageDuration,
		m.stageRetries,
		m.ledgerCommits,
		m.ledgerCommitFailures,
		m.ledgerStalls,
		m.errorsByClass,
		m.errorsByCode,
		m.throttledSubmissions,
		m.policyDenials,
		m.activeRuns,
	)

	return m, nil
}

// RecordRunAdmitted increments the admitted-run counter and the active gauge.
func (m *Metrics) RecordRunAdmitted(tenant string) {
	if m.runsAdmitted == nil {
		return
	}
	m.runsAdmitted.WithLabelValues(tenant).Inc()
	m.activeRuns.Inc()
}

// RecordRunFinished records a terminal run with its status and duration.
func (m *Metrics) RecordRunFinished(status string, duration time.Duration) {
	if m.runsFinished == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordStageExecution records a stage attempt with its outcome and duration.
func (m *Metrics) RecordStageExecution(stage, outcome string, duration time.Duration) {
	if m.stageExecutions == nil {
		return
	}
	m.stageExecutions.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordStageRetry records a retry after a transient stage failure.
func (m *Metrics) RecordStageRetry(stage string) {
	if m.stageRetries == nil {
		return
	}
	m.stageRetries.WithLabelValues(stage).Inc()
}

// RecordLedgerCommit records a durable ledger append.
func (m *Metrics) RecordLedgerCommit(action string) {
	if m.ledgerCommits == nil {
		return
	}
	m.ledgerCommits.WithLabelValues(action).Inc()
}

// RecordLedgerCommitFailure records a failed ledger append attempt.
func (m *Metrics) RecordLedgerCommitFailure() {
	if m.ledgerCommitFailures == nil {
		return
	}
	m.ledgerCommitFailures.Inc()
}

// RecordLedgerStall records a run stalling on ledger durability.
func (m *Metrics) RecordLedgerStall() {
	if m.ledgerStalls == nil {
		return
	}
	m.ledgerStalls.Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordThrottled records a submission rejected at the tenant cap.
func (m *Metrics) RecordThrottled(tenant string) {
	if m.throttledSubmissions == nil {
		return
	}
	m.throttledSubmissions.WithLabelValues(tenant).Inc()
}

// RecordPolicyDenial records a submission denied by admission policy.
func (m *Metrics) RecordPolicyDenial(tenant string) {
	if m.policyDenials == nil {
		return
	}
	m.policyDenials.WithLabelValues(tenant).Inc()
}

// SetActiveRuns sets the active-run gauge, used after recovery.
func (m *Metrics) SetActiveRuns(count float64) {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Set(count)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
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
