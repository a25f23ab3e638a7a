package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/cloakgate/internal/domain/model"
)

var (
	cgDomainsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cloakgate_domains_total",
		Help: "Number of managed domains by status.",
	}, []string{"status"})

	cgRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloakgate_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	cgRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cloakgate_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	cgReconcilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloakgate_reconciles_total",
		Help: "Reconciliation passes by resulting domain status.",
	}, []string{"status"})

	cgReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cloakgate_reconcile_duration_seconds",
		Help:    "Duration of reconciliation passes in seconds.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
	})

	cgHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloakgate_health_checks_total",
		Help: "Total reachability probes by result.",
	}, []string{"result"})

	cgDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloakgate_decisions_total",
		Help: "Edge routing decisions by action and reason.",
	}, []string{"action", "reason"})

	cgEventWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloakgate_event_writes_total",
		Help: "Event sink writes by sink and result.",
	}, []string{"sink", "result"})

	cgEventDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloakgate_event_drops_total",
		Help: "Events dropped because the dispatch buffer was full.",
	})

	cgRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloakgate_rate_limited_total",
		Help: "API requests rejected by the per-client rate limiter.",
	})

	cgWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloakgate_webhook_deliveries_total",
		Help: "Webhook delivery attempts by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			// Unmatched paths would explode label cardinality.
			path = "unmatched"
		}

		cgRequestsTotal.WithLabelValues(method, path, status).Inc()
		cgRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordReconcile records the outcome of one reconciliation pass.
func RecordReconcile(status model.DomainStatus, elapsed time.Duration) {
	cgReconcilesTotal.WithLabelValues(string(status)).Inc()
	cgReconcileDuration.Observe(elapsed.Seconds())
}

// RecordHealthCheck records a reachability probe result.
func RecordHealthCheck(success bool) {
	if success {
		cgHealthChecksTotal.WithLabelValues("success").Inc()
	} else {
		cgHealthChecksTotal.WithLabelValues("failure").Inc()
	}
}

// RecordDecision records an edge routing decision.
func RecordDecision(action, reason string) {
	cgDecisionsTotal.WithLabelValues(action, reason).Inc()
}

// RecordEventWrite records an event sink write.
func RecordEventWrite(sink string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	cgEventWritesTotal.WithLabelValues(sink, result).Inc()
}

// RecordEventDrop records an event dropped by the dispatcher.
func RecordEventDrop() {
	cgEventDropsTotal.Inc()
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		cgWebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		cgWebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}

// SetDomainsGauge sets the domain count gauge for a given status.
func SetDomainsGauge(status string, count float64) {
	cgDomainsTotal.WithLabelValues(status).Set(count)
}
