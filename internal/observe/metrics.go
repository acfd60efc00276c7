package observe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the ledger service.
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Business Metrics
	LedgerOperationsTotal *prometheus.CounterVec
	TokensGrantedTotal    *prometheus.CounterVec
	TokensSpentTotal      prometheus.Counter
	TokensExpiredTotal    prometheus.Counter
	BatchShortfallTotal   prometheus.Counter
	DriftDetectedTotal    prometheus.Counter
	DriftRepairedTotal    prometheus.Counter

	// Payment Metrics
	CheckoutAttemptsTotal *prometheus.CounterVec
	WebhookEventsTotal    *prometheus.CounterVec
	StaleAttemptsSwept    *prometheus.CounterVec

	// Job Metrics
	JobRunsTotal    *prometheus.CounterVec
	JobRunDuration  *prometheus.HistogramVec
	JobLastRunEpoch *prometheus.GaugeVec
}

// NewMetrics registers the instruments on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenledger_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenledger_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		LedgerOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenledger_ledger_operations_total",
				Help: "Total number of ledger operations by outcome",
			},
			[]string{"operation", "status"},
		),
		TokensGrantedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenledger_tokens_granted_total",
				Help: "Total tokens credited by entry kind",
			},
			[]string{"kind"},
		),
		TokensSpentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenledger_tokens_spent_total",
				Help: "Total tokens debited by spends",
			},
		),
		TokensExpiredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenledger_tokens_expired_total",
				Help: "Total tokens removed by the expiry sweep",
			},
		),
		BatchShortfallTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenledger_batch_shortfall_total",
				Help: "Total spend amount not covered by expiring batches",
			},
		),
		DriftDetectedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenledger_drift_detected_total",
				Help: "Total accounts found with cache/ledger divergence",
			},
		),
		DriftRepairedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenledger_drift_repaired_total",
				Help: "Total accounts whose cache was overwritten from the ledger",
			},
		),
		CheckoutAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenledger_checkout_attempts_total",
				Help: "Total checkout attempts by outcome",
			},
			[]string{"status"},
		),
		WebhookEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenledger_webhook_events_total",
				Help: "Total verified webhook events by type and outcome",
			},
			[]string{"event_type", "status"},
		),
		StaleAttemptsSwept: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenledger_stale_attempts_swept_total",
				Help: "Total stale payment attempts settled by the sweep",
			},
			[]string{"outcome"},
		),
		JobRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenledger_job_runs_total",
				Help: "Total background job runs by outcome",
			},
			[]string{"job", "status"},
		),
		JobRunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenledger_job_run_duration_seconds",
				Help:    "Duration of background job runs in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"job"},
		),
		JobLastRunEpoch: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tokenledger_job_last_run_timestamp_seconds",
				Help: "Unix time of the last completed run per job",
			},
			[]string{"job"},
		),
	}
}

func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(duration.Seconds())
}

func (m *Metrics) RecordCheckoutAttempt(status string) {
	m.CheckoutAttemptsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordWebhookEvent(eventType, status string) {
	m.WebhookEventsTotal.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) RecordStaleAttempts(outcome string, count int) {
	if count > 0 {
		m.StaleAttemptsSwept.WithLabelValues(outcome).Add(float64(count))
	}
}

func (m *Metrics) RecordJobRun(job, status string, duration time.Duration) {
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
	m.JobRunDuration.WithLabelValues(job).Observe(duration.Seconds())
	m.JobLastRunEpoch.WithLabelValues(job).SetToCurrentTime()
}
