// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HandoverDispatches tracks escalation dispatch outcomes.
	HandoverDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handover_dispatches_total",
			Help: "Handover dispatch attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	// HandoverDispatchDuration tracks time spent in a channel send.
	HandoverDispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handover_dispatch_duration_seconds",
			Help:    "Duration of channel adapter sends",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)

	// DeliveryFailures tracks adapter failures by kind.
	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handover_delivery_failures_total",
			Help: "Channel delivery failures by kind",
		},
		[]string{"channel", "kind"},
	)

	// QuotaReservations tracks quota reservation outcomes.
	QuotaReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_reservations_total",
			Help: "Quota reservations by channel, unit and outcome",
		},
		[]string{"channel", "unit", "outcome"},
	)

	// OverQuotaTransitions counts counters entering over-quota mode.
	OverQuotaTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_over_soft_limit_total",
			Help: "Counters that crossed their soft limit",
		},
		[]string{"channel", "unit"},
	)

	// CorrelationResults tracks inbound correlation outcomes.
	CorrelationResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "correlation_results_total",
			Help: "Inbound correlation outcomes by channel",
		},
		[]string{"channel", "result"},
	)

	// RemindersSent tracks inactivity reminders.
	RemindersSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inactivity_reminders_total",
			Help: "Inactivity reminders by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	// ConversationsExpired counts conversations moved to inactive.
	ConversationsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_expired_total",
			Help: "Conversations auto-expired by the inactivity sweep",
		},
	)

	// SweepDuration tracks inactivity sweep duration.
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inactivity_sweep_duration_seconds",
			Help:    "Inactivity sweep duration",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	// ConversationsOpen tracks conversations outside closed/inactive.
	ConversationsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversations_open",
			Help: "Conversations not closed or inactive",
		},
	)

	// PortalConnectionsActive tracks connected portal websocket agents.
	PortalConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portal_connections_active",
			Help: "Number of active portal websocket connections",
		},
	)

	// MessagesTotal tracks total messages appended.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages appended",
		},
		[]string{"client_id", "type"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordDispatch records a channel send attempt.
func RecordDispatch(channel, outcome string, duration float64) {
	HandoverDispatches.WithLabelValues(channel, outcome).Inc()
	HandoverDispatchDuration.WithLabelValues(channel).Observe(duration)
}

// IncrementPortalConnections increments the active portal connection count.
func IncrementPortalConnections() {
	PortalConnectionsActive.Inc()
}

// DecrementPortalConnections decrements the active portal connection count.
func DecrementPortalConnections() {
	PortalConnectionsActive.Dec()
}
