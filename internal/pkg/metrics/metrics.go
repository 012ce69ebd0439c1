// Package metrics exposes Prometheus counters for the webhook pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhooksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_webhooks_received_total",
		Help: "Webhook deliveries that passed signature verification, by event type",
	}, []string{"type"})

	WebhooksRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_webhooks_rejected_total",
		Help: "Webhook deliveries rejected before processing, by reason",
	}, []string{"reason"})

	WebhooksDuplicate = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_webhooks_duplicate_total",
		Help: "Redelivered webhook events short-circuited by the idempotency claim",
	}, []string{"state"})

	WebhookOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_webhooks_outcome_total",
		Help: "Final webhook outcomes by HTTP status class and result",
	}, []string{"status", "result"})

	WebhookDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storefront_webhooks_duration_seconds",
		Help:    "Time spent processing a webhook delivery",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	RetryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_retry_attempts_total",
		Help: "Retried store operations, by operation",
	}, []string{"operation"})

	SideEffectFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_side_effect_failures_total",
		Help: "Best-effort side effects that failed, by kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		WebhooksReceived,
		WebhooksRejected,
		WebhooksDuplicate,
		WebhookOutcomes,
		WebhookDuration,
		RetryAttempts,
		SideEffectFailures,
	)
}
