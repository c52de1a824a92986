// Package metrics provides Prometheus instrumentation for the chirpy chat
// backend. It exposes gauges for session and subscriber counts, counters for
// message throughput and backpressure drops, and a histogram for fan-out
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks the current number of live chat sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chirpy_active_sessions",
		Help: "Current number of live chat sessions",
	})

	// ActiveSubscribers tracks the current number of attached subscribers
	// across all sessions.
	ActiveSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chirpy_active_subscribers",
		Help: "Current number of attached subscribers across all sessions",
	})

	// SessionsCreated counts sessions created since process start.
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chirpy_sessions_created_total",
		Help: "Total number of chat sessions created",
	})

	// MessagesPublished counts messages appended to session logs.
	MessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chirpy_messages_published_total",
		Help: "Total number of messages appended and fanned out",
	})

	// MessagesDelivered counts per-subscriber queue enqueues.
	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chirpy_messages_delivered_total",
		Help: "Total number of message deliveries to subscriber queues",
	})

	// MessagesDropped counts messages dropped for slow subscribers.
	MessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chirpy_messages_dropped_total",
		Help: "Total number of messages dropped due to subscriber backpressure",
	})

	// MessagesBlocked counts posts rejected by the content screen.
	MessagesBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chirpy_messages_blocked_total",
		Help: "Total number of messages rejected by moderation",
	})

	// SubscribersEvicted counts subscribers removed after exhausting the
	// drain grace period.
	SubscribersEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chirpy_subscribers_evicted_total",
		Help: "Total number of subscribers evicted as unresponsive",
	})

	// PublishLatency records hub fan-out latency per published message.
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chirpy_publish_latency_seconds",
		Help:    "Hub fan-out latency per published message in seconds",
		Buckets: []float64{.000001, .00001, .0001, .001, .01, .1},
	})

	// TokensIssued counts guest and user tokens minted.
	TokensIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chirpy_tokens_issued_total",
		Help: "Total number of identity tokens issued",
	}, []string{"kind"}) // kind = "guest", "user"
)

func init() {
	prometheus.MustRegister(
		ActiveSessions,
		ActiveSubscribers,
		SessionsCreated,
		MessagesPublished,
		MessagesDelivered,
		MessagesDropped,
		MessagesBlocked,
		SubscribersEvicted,
		PublishLatency,
		TokensIssued,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
