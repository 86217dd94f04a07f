package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pagesmith"

// Metrics contains all Prometheus metrics for pagesmith. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Webhooks.
	WebhookEventsTotal *prometheus.CounterVec

	// Dispatcher.
	DispatchesTotal      *prometheus.CounterVec
	DispatchErrorsTotal  *prometheus.CounterVec
	DeliveriesTotal      *prometheus.CounterVec
	QueueSize            *prometheus.GaugeVec
	LockWaitDuration     *prometheus.HistogramVec
	JobRunsTotal         *prometheus.CounterVec
	JobDuration          *prometheus.HistogramVec
	StageFailuresTotal   *prometheus.CounterVec
	HistoryDeletedTotal  prometheus.Counter
	WorkersActive        *prometheus.GaugeVec
	PublishedDirectories *prometheus.CounterVec

	// HTTP.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// GitHub API.
	GitHubAPIRequestsTotal   *prometheus.CounterVec
	GitHubAPIErrorsTotal     *prometheus.CounterVec
	GitHubRateLimitRemaining prometheus.Gauge

	// Build info.
	BuildInfo *prometheus.GaugeVec
}

// New creates a new Metrics instance registered with the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a new Metrics instance registered with reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Webhooks.
		WebhookEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Total number of webhook events by classification outcome",
			},
			[]string{"event", "outcome"},
		),

		// Dispatcher.
		DispatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total number of jobs handed to the transport",
			},
			[]string{"queue"},
		),
		DispatchErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_errors_total",
				Help:      "Total number of jobs the transport refused",
			},
			[]string{"queue"},
		),
		DeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Total number of message deliveries by outcome",
			},
			[]string{"queue", "outcome"},
		),
		QueueSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_size",
				Help:      "Current number of messages in a queue",
			},
			[]string{"queue", "status"},
		),
		LockWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_duration_seconds",
				Help:      "Time spent waiting for the repository lock",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"kind"},
		),
		JobRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Total number of job runs by outcome",
			},
			[]string{"kind", "outcome"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Job run duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"kind"},
		),
		StageFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Total number of job failures by stage",
			},
			[]string{"kind", "stage"},
		),
		HistoryDeletedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "history_deleted_total",
				Help:      "Total number of job runs removed by history cleanup",
			},
		),
		WorkersActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_active",
				Help:      "Number of jobs currently being processed",
			},
			[]string{"kind"},
		),
		PublishedDirectories: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "published_directories_total",
				Help:      "Total number of directories atomically published",
			},
			[]string{"kind"},
		),

		// HTTP.
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// GitHub API.
		GitHubAPIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "github_api_requests_total",
				Help:      "Total number of GitHub API requests",
			},
			[]string{"endpoint"},
		),
		GitHubAPIErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "github_api_errors_total",
				Help:      "Total number of GitHub API errors",
			},
			[]string{"endpoint"},
		),
		GitHubRateLimitRemaining: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "github_rate_limit_remaining",
				Help:      "Remaining GitHub API rate limit",
			},
		),

		// Build info.
		BuildInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build information",
			},
			[]string{"version", "commit", "date"},
		),
	}

	return m
}

// SetBuildInfo sets the build info metric.
func (m *Metrics) SetBuildInfo(version, commit, date string) {
	if m == nil {
		return
	}

	m.BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// RecordWebhookEvent records a classified webhook event.
func (m *Metrics) RecordWebhookEvent(event, outcome string) {
	if m == nil {
		return
	}

	m.WebhookEventsTotal.WithLabelValues(event, outcome).Inc()
}

// RecordDispatch records a job accepted by the transport.
func (m *Metrics) RecordDispatch(queue string) {
	if m == nil {
		return
	}

	m.DispatchesTotal.WithLabelValues(queue).Inc()
}

// RecordDispatchError records a job the transport refused.
func (m *Metrics) RecordDispatchError(queue string) {
	if m == nil {
		return
	}

	m.DispatchErrorsTotal.WithLabelValues(queue).Inc()
}

// RecordDelivery records the outcome of a message delivery.
func (m *Metrics) RecordDelivery(queue, outcome string) {
	if m == nil {
		return
	}

	m.DeliveriesTotal.WithLabelValues(queue, outcome).Inc()
}

// SetQueueSize sets the queue size gauge.
func (m *Metrics) SetQueueSize(queue, status string, size float64) {
	if m == nil {
		return
	}

	m.QueueSize.WithLabelValues(queue, status).Set(size)
}

// ObserveLockWait records how long a job waited for its repository lock.
func (m *Metrics) ObserveLockWait(kind string, seconds float64) {
	if m == nil {
		return
	}

	m.LockWaitDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordJobRun records a finished job run.
func (m *Metrics) RecordJobRun(kind, outcome string, seconds float64) {
	if m == nil {
		return
	}

	m.JobRunsTotal.WithLabelValues(kind, outcome).Inc()
	m.JobDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordStageFailure records the stage a job failed in.
func (m *Metrics) RecordStageFailure(kind, stage string) {
	if m == nil {
		return
	}

	m.StageFailuresTotal.WithLabelValues(kind, stage).Inc()
}

// RecordHistoryDeleted records job runs removed by history cleanup.
func (m *Metrics) RecordHistoryDeleted(count int64) {
	if m == nil {
		return
	}

	m.HistoryDeletedTotal.Add(float64(count))
}

// IncWorkersActive increments the active workers gauge.
func (m *Metrics) IncWorkersActive(kind string) {
	if m == nil {
		return
	}

	m.WorkersActive.WithLabelValues(kind).Inc()
}

// DecWorkersActive decrements the active workers gauge.
func (m *Metrics) DecWorkersActive(kind string) {
	if m == nil {
		return
	}

	m.WorkersActive.WithLabelValues(kind).Dec()
}

// RecordPublish records an atomically published directory.
func (m *Metrics) RecordPublish(kind string) {
	if m == nil {
		return
	}

	m.PublishedDirectories.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}

	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordGitHubAPIRequest records a GitHub API request.
func (m *Metrics) RecordGitHubAPIRequest(endpoint string) {
	if m == nil {
		return
	}

	m.GitHubAPIRequestsTotal.WithLabelValues(endpoint).Inc()
}

// RecordGitHubAPIError records a GitHub API error.
func (m *Metrics) RecordGitHubAPIError(endpoint string) {
	if m == nil {
		return
	}

	m.GitHubAPIErrorsTotal.WithLabelValues(endpoint).Inc()
}

// SetGitHubRateLimit sets the GitHub rate limit remaining gauge.
func (m *Metrics) SetGitHubRateLimit(remaining float64) {
	if m == nil {
		return
	}

	m.GitHubRateLimitRemaining.Set(remaining)
}
