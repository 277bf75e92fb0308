// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hashaudit"

var (
	// AuditWrites counts audit records persisted, by operation type and status.
	AuditWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_writes_total",
		Help:      "Audit records persisted, by operation type and status.",
	}, []string{"operation_type", "status"})

	// AuditWriteFailures counts audit records that could not be persisted.
	AuditWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_write_failures_total",
		Help:      "Audit records that could not be persisted, by operation type.",
	}, []string{"operation_type"})

	// ChainAppends counts hash chain links appended, by operation type.
	ChainAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_appends_total",
		Help:      "Hash chain links appended, by operation type.",
	}, []string{"operation_type"})

	// Verifications counts integrity checks, by kind and result.
	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifications_total",
		Help:      "Integrity verifications, by kind (resource, batch, chain, export) and result.",
	}, []string{"kind", "result"})

	// VerificationDuration observes how long integrity checks take.
	VerificationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "verification_duration_seconds",
		Help:      "Duration of integrity verifications.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"kind"})

	// ChainLength is the chain length observed by the last full verification.
	ChainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "chain_length",
		Help:      "Number of chained records seen by the last full chain verification.",
	})

	// CleanupDeleted counts audit records removed by retention.
	CleanupDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cleanup_deleted_total",
		Help:      "Audit records deleted by retention cleanup.",
	})

	// HTTPRequests counts served requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests, by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes request latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency, by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// AccessDenied counts 401/403 responses, by route.
	AccessDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "access_denied_total",
		Help:      "Requests rejected by authentication or authorization, by route and status.",
	}, []string{"route", "status"})

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	})

	// WebSocketClients is the number of connected realtime feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_clients",
		Help:      "Connected realtime audit feed clients.",
	})
)

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
