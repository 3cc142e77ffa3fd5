// Package metrics holds the control plane's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry is the registry served on the metrics address.
var Registry = prometheus.NewRegistry()

var (
	// Compute provider metrics
	providerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantplane",
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Total number of compute provider calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	providerCallLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tenantplane",
			Subsystem: "provider",
			Name:      "call_latency_seconds",
			Help:      "Latency of compute provider calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		},
		[]string{"operation"},
	)

	// Lifecycle metrics
	provisioningStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantplane",
			Subsystem: "provisioning",
			Name:      "steps_total",
			Help:      "Total number of provisioning steps by step and result",
		},
		[]string{"step", "result"},
	)

	deploysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantplane",
			Subsystem: "deploy",
			Name:      "total",
			Help:      "Total number of deploys by path and result",
		},
		[]string{"path", "result"},
	)

	rotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantplane",
			Subsystem: "secrets",
			Name:      "rotations_total",
			Help:      "Total number of credential rotations by result",
		},
		[]string{"result"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantplane",
			Subsystem: "tenant",
			Name:      "transitions_total",
			Help:      "Total number of tenant status transitions",
		},
		[]string{"from", "to"},
	)

	// Event stream metrics
	subscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tenantplane",
			Subsystem: "events",
			Name:      "subscribers_active",
			Help:      "Number of live event stream subscribers",
		},
	)

	slowSubscribersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tenantplane",
			Subsystem: "events",
			Name:      "slow_subscribers_total",
			Help:      "Total number of subscribers disconnected for falling behind",
		},
	)

	// Webhook metrics
	webhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantplane",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Total number of webhook deliveries by provider and result",
		},
		[]string{"provider", "result"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		providerCallsTotal,
		providerCallLatency,
		provisioningStepsTotal,
		deploysTotal,
		rotationsTotal,
		transitionsTotal,
		subscribersActive,
		slowSubscribersTotal,
		webhooksTotal,
	)
}

// RecordProviderCall records a compute provider call.
func RecordProviderCall(operation, result string, latency float64) {
	providerCallsTotal.WithLabelValues(operation, result).Inc()
	providerCallLatency.WithLabelValues(operation).Observe(latency)
}

// RecordProvisioningStep records the result of one provisioning step.
func RecordProvisioningStep(step, result string) {
	provisioningStepsTotal.WithLabelValues(step, result).Inc()
}

// RecordDeploy records a finished deploy. Path is "create" or "update".
func RecordDeploy(path, result string) {
	deploysTotal.WithLabelValues(path, result).Inc()
}

// RecordRotation records a finished credential rotation.
func RecordRotation(result string) {
	rotationsTotal.WithLabelValues(result).Inc()
}

// RecordTransition records a committed tenant status transition.
func RecordTransition(from, to string) {
	transitionsTotal.WithLabelValues(from, to).Inc()
}

// SubscriberAdded and SubscriberRemoved track live event subscribers.
func SubscriberAdded() {
	subscribersActive.Inc()
}

func SubscriberRemoved() {
	subscribersActive.Dec()
}

// RecordSlowSubscriber records a subscriber disconnected for falling behind.
func RecordSlowSubscriber() {
	slowSubscribersTotal.Inc()
}

// RecordWebhook records a webhook delivery. Result is one of "accepted",
// "duplicate", "ignored" or "rejected".
func RecordWebhook(provider, result string) {
	webhooksTotal.WithLabelValues(provider, result).Inc()
}
