// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Product metrics
	ProductUpdates     *prometheus.CounterVec
	ProductFetchErrors *prometheus.CounterVec
	ProductReady       *prometheus.GaugeVec

	// Cache metrics
	CacheOps    *prometheus.CounterVec
	CacheErrors *prometheus.CounterVec

	// Connector metrics
	RPCCallLatency *prometheus.HistogramVec
	RPCCallErrors  *prometheus.CounterVec
	Retries        *prometheus.CounterVec

	// Pending overlay metrics
	PendingTransactions prometheus.Gauge
	PendingEvictions    *prometheus.CounterVec

	// Fee estimation metrics
	EstimatesDiscarded prometheus.Counter
}

// NewMetrics creates a new Metrics instance registered with reg.
// A nil reg uses the default Prometheus registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "wallet_sync"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ProductUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "product",
			Name:      "updates_total",
			Help:      "Total number of product value replacements by product",
		}, []string{"product", "event"}),
		ProductFetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "product",
			Name:      "fetch_errors_total",
			Help:      "Total number of failed fetch or watch attempts by product",
		}, []string{"product", "stage"}),
		ProductReady: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "product",
			Name:      "ready",
			Help:      "1 when the product has a value, 0 otherwise",
		}, []string{"product"}),

		CacheOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Total number of cache operations by operation and result",
		}, []string{"operation", "result"}),
		CacheErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Total number of swallowed cache errors by operation",
		}, []string{"operation"}),

		RPCCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "rpc_call_latency_seconds",
			Help:      "Ledger RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RPCCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "rpc_call_errors_total",
			Help:      "Total number of ledger RPC errors by method and class",
		}, []string{"method", "class"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total number of retried attempts by operation",
		}, []string{"operation"}),

		PendingTransactions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pending",
			Name:      "transactions",
			Help:      "Current number of unconfirmed local transactions",
		}),
		PendingEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pending",
			Name:      "evictions_total",
			Help:      "Total number of pending transactions evicted by final status",
		}, []string{"status"}),

		EstimatesDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fees",
			Name:      "estimates_discarded_total",
			Help:      "Total number of fee estimates discarded because inputs changed",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// RecordProductEvent records a product ready/updated event.
func RecordProductEvent(product, event string) {
	DefaultMetrics.ProductUpdates.WithLabelValues(product, event).Inc()
	DefaultMetrics.ProductReady.WithLabelValues(product).Set(1)
}

// RecordProductError records a failed fetch ("fetch") or watch ("watch") attempt.
func RecordProductError(product, stage string) {
	DefaultMetrics.ProductFetchErrors.WithLabelValues(product, stage).Inc()
}

// RecordCacheOp records a cache operation. A non-nil err counts as a swallowed error.
func RecordCacheOp(operation, result string, err error) {
	DefaultMetrics.CacheOps.WithLabelValues(operation, result).Inc()
	if err != nil {
		DefaultMetrics.CacheErrors.WithLabelValues(operation).Inc()
	}
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordRPCError records a classified RPC error.
func RecordRPCError(method, class string) {
	DefaultMetrics.RPCCallErrors.WithLabelValues(method, class).Inc()
}

// RecordRetry records one retried attempt of operation.
func RecordRetry(operation string) {
	DefaultMetrics.Retries.WithLabelValues(operation).Inc()
}

// UpdatePending sets the pending transactions gauge.
func UpdatePending(n int) {
	DefaultMetrics.PendingTransactions.Set(float64(n))
}

// RecordEviction records a pending transaction evicted with status.
func RecordEviction(status string) {
	DefaultMetrics.PendingEvictions.WithLabelValues(status).Inc()
}

// RecordEstimateDiscarded records a superseded fee estimate.
func RecordEstimateDiscarded() {
	DefaultMetrics.EstimatesDiscarded.Inc()
}
