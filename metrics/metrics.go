package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storefront_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	orderOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_order_operations_total",
			Help: "Total number of order and cart operations",
		},
		[]string{"operation", "status"},
	)

	checkoutResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_checkout_results_total",
			Help: "Checkout attempts by outcome",
		},
		[]string{"result"},
	)

	checkoutCompensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_checkout_compensations_total",
			Help: "Compensating actions run after a failed checkout step",
		},
		[]string{"step", "status"},
	)

	checkoutStepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_checkout_nonfatal_failures_total",
			Help: "Checkout steps that failed without failing the checkout",
		},
		[]string{"step"},
	)

	checkoutDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storefront_checkout_duration_seconds",
			Help:    "Duration of checkout attempts",
			Buckets: prometheus.DefBuckets,
		},
	)

	catalogCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_catalog_cache_total",
			Help: "Catalog cache lookups by result",
		},
		[]string{"result"},
	)

	consumedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_consumed_messages_total",
			Help: "Broker messages handled by consumers",
		},
		[]string{"type", "status"},
	)
)

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordOrderOperation 记录订单操作指标
func RecordOrderOperation(operation string, success bool) {
	orderOperations.WithLabelValues(operation, statusLabel(success)).Inc()
}

func RecordCheckout(result string, seconds float64) {
	checkoutResults.WithLabelValues(result).Inc()
	checkoutDuration.Observe(seconds)
}

func RecordCompensation(step string, success bool) {
	checkoutCompensations.WithLabelValues(step, statusLabel(success)).Inc()
}

func RecordNonFatalFailure(step string) {
	checkoutStepFailures.WithLabelValues(step).Inc()
}

func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	catalogCache.WithLabelValues(result).Inc()
}

func RecordConsumed(eventType string, success bool) {
	consumedMessages.WithLabelValues(eventType, statusLabel(success)).Inc()
}
