package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the job pipeline.
type Metrics struct {
	Registry *prometheus.Registry

	JobsSubmitted     *prometheus.CounterVec
	JobsFinished      *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	SandboxExecutions *prometheus.CounterVec
	SandboxDuration   *prometheus.HistogramVec
	ActiveJobs        prometheus.Gauge
	QueueDepth        prometheus.Gauge
	SecurityEvents    *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	DatasetSizeBytes  prometheus.Histogram
	TradesPerJob      prometheus.Histogram
	AuditDropped      prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		JobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "strategy",
				Name:      "jobs_submitted_total",
				Help:      "Total number of accepted job submissions by language.",
			},
			[]string{"language"},
		),

		JobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "strategy",
				Name:      "jobs_finished_total",
				Help:      "Total number of jobs reaching a terminal status.",
			},
			[]string{"language", "status", "failure_kind"},
		),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "strategy",
				Name:      "pipeline_stage_duration_seconds",
				Help:      "Duration of each job pipeline stage in seconds.",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"stage"},
		),

		SandboxExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "strategy",
				Subsystem: "sandbox",
				Name:      "executions_total",
				Help:      "Total sandbox executions by language, backend and outcome.",
			},
			[]string{"language", "backend", "outcome"},
		),

		SandboxDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "strategy",
				Subsystem: "sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Duration of sandbox executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"language"},
		),

		ActiveJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "strategy",
				Name:      "active_jobs",
				Help:      "Number of jobs currently being run by workers.",
			},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "strategy",
				Name:      "queue_depth",
				Help:      "Number of job IDs waiting in the queue.",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "strategy",
				Name:      "security_events_total",
				Help:      "Total security events detected in code or during execution.",
			},
			[]string{"type"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "strategy",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "strategy",
				Name:      "code_size_bytes",
				Help:      "Size of submitted strategy code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		DatasetSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "strategy",
				Name:      "dataset_size_bytes",
				Help:      "Size of submitted datasets in bytes.",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),

		TradesPerJob: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "strategy",
				Name:      "trades_per_job",
				Help:      "Number of validated trades returned by completed jobs.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
		),

		AuditDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "strategy",
				Name:      "audit_records_dropped_total",
				Help:      "Execution audit records that could not be written.",
			},
		),
	}

	reg.MustRegister(
		m.JobsSubmitted,
		m.JobsFinished,
		m.StageDuration,
		m.SandboxExecutions,
		m.SandboxDuration,
		m.ActiveJobs,
		m.QueueDepth,
		m.SecurityEvents,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.DatasetSizeBytes,
		m.TradesPerJob,
		m.AuditDropped,
	)

	return m
}

// RecordSubmission records an accepted job and its input sizes.
func (m *Metrics) RecordSubmission(language string, codeBytes, datasetBytes int) {
	m.JobsSubmitted.WithLabelValues(language).Inc()
	m.CodeSizeBytes.Observe(float64(codeBytes))
	m.DatasetSizeBytes.Observe(float64(datasetBytes))
}

// RecordFinished records a job reaching a terminal status. failureKind is
// empty for completed jobs.
func (m *Metrics) RecordFinished(language, status, failureKind string) {
	m.JobsFinished.WithLabelValues(language, status, failureKind).Inc()
}

// RecordStage records the duration of one pipeline stage.
func (m *Metrics) RecordStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordExecution records a sandbox execution. outcome is "success", a
// failure kind, or "error" when the host failed.
func (m *Metrics) RecordExecution(language, backend, outcome string, d time.Duration) {
	m.SandboxExecutions.WithLabelValues(language, backend, outcome).Inc()
	m.SandboxDuration.WithLabelValues(language).Observe(d.Seconds())
}

// RecordSecurityEvent records a security event.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}
