package apn

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apn",
			Subsystem: "provider",
			Name:      "frames_sent_total",
			Help:      "Notification frames written to the gateway.",
		},
		[]string{"identity"},
	)
	errorReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apn",
			Subsystem: "provider",
			Name:      "error_reports_total",
			Help:      "Error reports received from the gateway.",
		},
		[]string{"identity", "status"},
	)
	feedbackRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apn",
			Subsystem: "feedback",
			Name:      "records_total",
			Help:      "Invalid token records received from the feedback service.",
		},
		[]string{"identity"},
	)
	subscriptionsRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apn",
			Subsystem: "subscriptions",
			Name:      "removed_total",
			Help:      "Subscriptions removed, by reason.",
		},
		[]string{"identity", "reason"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apn",
			Subsystem: "provider",
			Name:      "queue_depth",
			Help:      "Notifications waiting for the provider connection.",
		},
		[]string{"identity"},
	)
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apn",
			Subsystem: "provider",
			Name:      "connection_state",
			Help:      "0 disconnected, 1 connecting, 2 connected.",
		},
		[]string{"identity"},
	)
)

// RegisterMetrics registers the collectors with the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesSent, errorReports, feedbackRecords,
			subscriptionsRemoved, queueDepth, connectionState)
	})
}

// RecordSubscriptionsRemoved counts subscriptions removed for reason.
func RecordSubscriptionsRemoved(identity, reason string, n int) {
	RegisterMetrics()
	subscriptionsRemoved.WithLabelValues(identity, reason).Add(float64(n))
}

func recordFrameSent(identity string) {
	RegisterMetrics()
	framesSent.WithLabelValues(identity).Inc()
}

func recordErrorReport(identity string, status Status) {
	RegisterMetrics()
	errorReports.WithLabelValues(identity, status.String()).Inc()
}

func recordFeedbackRecord(identity string) {
	RegisterMetrics()
	feedbackRecords.WithLabelValues(identity).Inc()
}

func recordQueueDepth(identity string, depth int) {
	RegisterMetrics()
	queueDepth.WithLabelValues(identity).Set(float64(depth))
}

func recordConnectionState(identity string, state ConnectionState) {
	RegisterMetrics()
	connectionState.WithLabelValues(identity).Set(float64(state))
}
