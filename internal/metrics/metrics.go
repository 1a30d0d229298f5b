// Package metrics exposes relay counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Direction labels for relayed messages.
const (
	Upstream   = "upstream"
	Downstream = "downstream"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "console_relay",
		Name:      "sessions_active",
		Help:      "Number of proxy sessions not yet closed.",
	})
	sessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "console_relay",
		Name:      "session_transitions_total",
		Help:      "Proxy session state transitions by target state.",
	}, []string{"state"})
	messagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "console_relay",
		Name:      "messages_relayed_total",
		Help:      "Messages forwarded by direction.",
	}, []string{"direction"})
	messagesDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "console_relay",
		Name:      "messages_discarded_total",
		Help:      "Messages dropped because the receiving peer was gone or disconnected.",
	}, []string{"reason"})
	framesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "console_relay",
		Name:      "frames_rejected_total",
		Help:      "Inbound frames rejected before forwarding.",
	}, []string{"reason"})
	watcherChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "console_relay",
		Name:      "watcher_changes_total",
		Help:      "Changes put into session watchers.",
	})
)

func SessionOpened() { sessionsActive.Inc() }

func SessionClosed() { sessionsActive.Dec() }

// SessionTransition counts a move into state.
func SessionTransition(state string) {
	sessionTransitions.WithLabelValues(state).Inc()
}

func MessageRelayed(direction string) {
	messagesRelayed.WithLabelValues(direction).Inc()
}

func MessageDiscarded(reason string) {
	messagesDiscarded.WithLabelValues(reason).Inc()
}

func FrameRejected(reason string) {
	framesRejected.WithLabelValues(reason).Inc()
}

func WatcherChange() { watcherChanges.Inc() }

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
