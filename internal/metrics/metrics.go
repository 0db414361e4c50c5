package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WebhookRequests   *prometheus.CounterVec
	WebhookLatency    *prometheus.HistogramVec
	ConversionUpserts *prometheus.CounterVec
	ConversionActions *prometheus.CounterVec
	BillingRuns       *prometheus.CounterVec
	LedgerEntries     *prometheus.CounterVec
	ClicksRecorded    *prometheus.CounterVec
	OutboundRequests  *prometheus.CounterVec
	OutboundLatency   *prometheus.HistogramVec
	AsyncJobsDropped  *prometheus.CounterVec
	AdminRequests     *prometheus.CounterVec
	AdminLatency      *prometheus.HistogramVec
	Errors            *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WebhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_requests_total",
				Help:      "Inbound postback requests by outcome and resolved secret id.",
			}, []string{"outcome", "secret_id"}),
			WebhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "webhook_request_duration_seconds",
				Help:      "Latency distribution for inbound postbacks.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			}, []string{"outcome"}),
			ConversionUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversion_upserts_total",
				Help:      "Affiliate conversion writes split by created or updated.",
			}, []string{"result"}),
			ConversionActions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversion_actions_total",
				Help:      "Commission engine actions by action and outcome.",
			}, []string{"action", "outcome"}),
			BillingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_runs_total",
				Help:      "Invoice and payout generation attempts by kind and outcome.",
			}, []string{"kind", "outcome"}),
			LedgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_entries_total",
				Help:      "Ledger entries written by type.",
			}, []string{"type"}),
			ClicksRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "clicks_recorded_total",
				Help:      "Recorded clicks by kind and validity.",
			}, []string{"kind", "valid"}),
			OutboundRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_requests_total",
				Help:      "Best-effort outbound calls by target and status.",
			}, []string{"target", "status"}),
			OutboundLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "outbound_request_duration_seconds",
				Help:      "Latency distribution for outbound calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"target", "status"}),
			AsyncJobsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "async_jobs_dropped_total",
				Help:      "Side jobs dropped because the dispatcher was saturated or closed.",
			}, []string{"job"}),
			AdminRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admin_requests_total",
				Help:      "Admin API requests by route and status code.",
			}, []string{"method", "route", "status"}),
			AdminLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "admin_request_duration_seconds",
				Help:      "Latency distribution for admin API requests.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
			}, []string{"method", "route"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WebhookRequests,
			metricsInstance.WebhookLatency,
			metricsInstance.ConversionUpserts,
			metricsInstance.ConversionActions,
			metricsInstance.BillingRuns,
			metricsInstance.LedgerEntries,
			metricsInstance.ClicksRecorded,
			metricsInstance.OutboundRequests,
			metricsInstance.OutboundLatency,
			metricsInstance.AsyncJobsDropped,
			metricsInstance.AdminRequests,
			metricsInstance.AdminLatency,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
