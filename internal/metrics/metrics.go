// SPDX-License-Identifier: MIT

// Package metrics registers the Prometheus instruments exposed on
// /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnsync_requests_total",
		Help: "API requests by operation and outcome",
	}, []string{"operation", "outcome"}) // outcome=success|conflict|invalid|not_found|error

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "turnsync_request_duration_seconds",
		Help:    "API request latency by operation",
		Buckets: []float64{0.001, 0.002, 0.003, 0.005, 0.010, 0.025, 0.050},
	}, []string{"operation"})

	conflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnsync_conflict_retries_total",
		Help: "Optimistic version conflicts that triggered a retry",
	})

	activeObservers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "turnsync_ws_observers",
		Help: "WebSocket observers currently connected to this instance",
	})

	pushesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnsync_ws_pushes_total",
		Help: "WebSocket messages pushed by type",
	}, []string{"type"})

	observersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnsync_ws_observers_dropped_total",
		Help: "Observers disconnected because their send buffer overflowed",
	})

	auditQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "turnsync_audit_queue_depth",
		Help: "Entries waiting in the audit queue by bucket",
	}, []string{"bucket"}) // bucket=queued|failed

	auditEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnsync_audit_events_total",
		Help: "Audit events processed by outcome",
	}, []string{"outcome"}) // outcome=written|retried|abandoned

	rateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnsync_ratelimit_rejections_total",
		Help: "Requests rejected by rate limiting, by scope",
	}, []string{"scope"}) // scope=general|switch
)

func IncRequest(operation, outcome string) {
	requestsTotal.WithLabelValues(operation, outcome).Inc()
}

func ObserveRequestDuration(operation string, d time.Duration) {
	requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func IncConflictRetry() { conflictRetries.Inc() }

func SetActiveObservers(n int) { activeObservers.Set(float64(n)) }

func IncPushSent(msgType string) { pushesSent.WithLabelValues(msgType).Inc() }

func IncObserverDropped() { observersDropped.Inc() }

func SetAuditQueueDepth(queued, failed int64) {
	auditQueueDepth.WithLabelValues("queued").Set(float64(queued))
	auditQueueDepth.WithLabelValues("failed").Set(float64(failed))
}

func IncAuditEvent(outcome string) { auditEvents.WithLabelValues(outcome).Inc() }

func IncRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}
