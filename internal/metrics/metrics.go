// ABOUTME: Prometheus counters for conversation and message activity
// ABOUTME: All methods are safe on a nil *Metrics so callers never need to guard

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

// Metrics holds the service's collectors.
type Metrics struct {
	messagesSent         prometheus.Counter
	messagesRead         prometheus.Counter
	sendReplays          prometheus.Counter
	conversationsCreated *prometheus.CounterVec
	notifyFailures       *prometheus.CounterVec
	unreadConflicts      prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages persisted by SendMessage.",
		}),
		messagesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_read_total",
			Help:      "Read receipts transitioned from unread to read.",
		}),
		sendReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_send_replays_total",
			Help:      "Sends answered from the idempotency cache.",
		}),
		conversationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_created_total",
			Help:      "Conversations created, by kind.",
		}, []string{"kind"}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Best-effort notification publishes that failed, by route.",
		}, []string{"route"}),
		unreadConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_update_conflicts_total",
			Help:      "Optimistic conversation updates retried after a version conflict.",
		}),
	}

	reg.MustRegister(
		m.messagesSent,
		m.messagesRead,
		m.sendReplays,
		m.conversationsCreated,
		m.notifyFailures,
		m.unreadConflicts,
	)
	return m
}

// MessageSent counts a persisted message.
func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

// MessageRead counts a first-time read receipt.
func (m *Metrics) MessageRead() {
	if m == nil {
		return
	}
	m.messagesRead.Inc()
}

// SendReplayed counts a send answered from the idempotency cache.
func (m *Metrics) SendReplayed() {
	if m == nil {
		return
	}
	m.sendReplays.Inc()
}

// ConversationCreated counts a new conversation.
func (m *Metrics) ConversationCreated(isGroup bool) {
	if m == nil {
		return
	}
	kind := "direct"
	if isGroup {
		kind = "group"
	}
	m.conversationsCreated.WithLabelValues(kind).Inc()
}

// NotifyFailed counts a failed publish on route.
func (m *Metrics) NotifyFailed(route string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(route).Inc()
}

// UpdateConflict counts a retried optimistic update.
func (m *Metrics) UpdateConflict() {
	if m == nil {
		return
	}
	m.unreadConflicts.Inc()
}

// Handler serves the exposition format for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
