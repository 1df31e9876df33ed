package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Exchange metrics
	messagesRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "academy_messages_routed_total",
			Help: "Total number of messages routed by the exchange",
		},
		[]string{"kind", "status"},
	)

	mailboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "academy_mailbox_depth",
			Help: "Number of undelivered messages in a mailbox",
		},
		[]string{"mailbox"},
	)

	// Runtime metrics
	actionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "academy_action_duration_seconds",
			Help:    "Behavior action execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action", "status"},
	)

	agentsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "academy_agents_running",
			Help: "Number of agent runtimes currently in the running state",
		},
	)

	// HTTP exchange server metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "academy_http_requests_total",
			Help: "Total number of HTTP exchange requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "academy_http_request_duration_seconds",
			Help:    "HTTP exchange request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	registerMetricsOnce sync.Once
)

// InitMetrics registers all collectors with the default registry. It is
// safe to call more than once.
func InitMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(
			messagesRoutedTotal,
			mailboxDepth,
			actionDuration,
			agentsRunning,
			httpRequestsTotal,
			httpRequestDuration,
		)
	})
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordMessage records the outcome of routing one message.
// Status is one of "delivered", "unknown", or "closed".
func RecordMessage(kind, status string) {
	messagesRoutedTotal.WithLabelValues(kind, status).Inc()
}

// SetMailboxDepth records the current depth of a mailbox.
func SetMailboxDepth(mailbox string, depth int) {
	mailboxDepth.WithLabelValues(mailbox).Set(float64(depth))
}

// DropMailbox removes the depth series for a terminated mailbox.
func DropMailbox(mailbox string) {
	mailboxDepth.DeleteLabelValues(mailbox)
}

// ObserveAction records one behavior action execution.
// Status is "ok" or "error".
func ObserveAction(action, status string, duration time.Duration) {
	actionDuration.WithLabelValues(action, status).Observe(duration.Seconds())
}

// AgentStarted increments the running-agents gauge.
func AgentStarted() { agentsRunning.Inc() }

// AgentStopped decrements the running-agents gauge.
func AgentStopped() { agentsRunning.Dec() }

// RecordHTTPRequest records one HTTP exchange request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
