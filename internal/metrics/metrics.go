// Package metrics holds the Prometheus instruments for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway control plane.
type Metrics struct {
	registry *prometheus.Registry

	// Admission metrics
	AdmissionsTotal *prometheus.CounterVec
	RejectionsTotal *prometheus.CounterVec
	AdmitDuration   *prometheus.HistogramVec

	// Capacity metrics
	JobsInFlight   *prometheus.GaugeVec
	RateLimitHits  *prometheus.CounterVec
	BudgetRejects  prometheus.Counter
	IdempotentHits prometheus.Counter

	// Delivery metrics
	DeliveriesTotal  *prometheus.CounterVec
	DeadLettersTotal prometheus.Counter
	DeliveryAttempts prometheus.Histogram

	// Scheduler metrics
	ScheduleFirings *prometheus.CounterVec

	// Assist metrics
	AssistRequests   *prometheus.CounterVec
	ProviderFailover *prometheus.CounterVec
	ProviderCooldown *prometheus.GaugeVec
}

// New creates and registers all gateway metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		AdmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_admissions_total",
				Help: "Jobs admitted through the pipeline",
			},
			[]string{"source", "template"},
		),

		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rejections_total",
				Help: "Admission rejections by error kind",
			},
			[]string{"source", "kind"},
		),

		AdmitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_admit_duration_seconds",
				Help:    "Wall time of a full admission pass",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),

		JobsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_jobs_in_flight",
				Help: "Jobs currently holding a budget permit",
			},
			[]string{"surface"},
		),

		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limit_hits_total",
				Help: "Requests refused by the per-client rate buckets",
			},
			[]string{"class"},
		),

		BudgetRejects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_budget_rejects_total",
				Help: "Submissions refused by the in-flight job ceiling",
			},
		),

		IdempotentHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_idempotent_replays_total",
				Help: "Admissions answered from the idempotency cache",
			},
		),

		DeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_deliveries_total",
				Help: "Callback delivery outcomes",
			},
			[]string{"outcome"}, // outcome: ok, failed
		),

		DeadLettersTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_dead_letters_total",
				Help: "Callback payloads parked after exhausting retries",
			},
		),

		DeliveryAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_delivery_attempts",
				Help:    "Attempts needed per successful callback delivery",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		),

		ScheduleFirings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_schedule_firings_total",
				Help: "Scheduler firing outcomes",
			},
			[]string{"status"}, // status: succeeded, failed, skipped
		),

		AssistRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_assist_requests_total",
				Help: "Assist calls by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),

		ProviderFailover: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_failover_total",
				Help: "Assist candidate failovers by provider and class",
			},
			[]string{"provider", "class"},
		),

		ProviderCooldown: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_cooldown",
				Help: "Whether a provider candidate is cooling (1) or available (0)",
			},
			[]string{"candidate"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAdmission records an accepted job.
func (m *Metrics) RecordAdmission(source, template string, seconds float64) {
	m.AdmissionsTotal.WithLabelValues(source, template).Inc()
	m.AdmitDuration.WithLabelValues(source).Observe(seconds)
}

// RecordRejection records a refused admission.
func (m *Metrics) RecordRejection(source, kind string) {
	m.RejectionsTotal.WithLabelValues(source, kind).Inc()
}

// RecordDelivery records a callback outcome.
func (m *Metrics) RecordDelivery(ok bool, attempts int) {
	outcome := "failed"
	if ok {
		outcome = "ok"
		m.DeliveryAttempts.Observe(float64(attempts))
	}
	m.DeliveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordFiring records a scheduler run outcome.
func (m *Metrics) RecordFiring(status string) {
	m.ScheduleFirings.WithLabelValues(status).Inc()
}
