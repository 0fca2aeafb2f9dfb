package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "state",
		Help:      "1 for the current connection state of the client session",
	}, []string{"state"})

	sessionReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts started by the session manager",
	})

	sessionSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "signals_total",
		Help:      "Interruption and invalidation signals handled",
	}, []string{"signal"})

	lateReplies = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "late_replies_total",
		Help:      "Replies that arrived after their request timed out",
	})

	requestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "request_timeouts_total",
		Help:      "Requests resolved by the client-side timeout",
	})
)

// SetSessionState marks state as current and clears the others.
func SetSessionState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		sessionState.WithLabelValues(s).Set(v)
	}
}

// SessionReconnect counts a reconnect attempt.
func SessionReconnect() {
	sessionReconnects.Inc()
}

// SessionSignal counts an interruption or invalidation.
func SessionSignal(signal string) {
	sessionSignals.WithLabelValues(signal).Inc()
}

// LateReply counts a reply discarded because its request already timed out.
func LateReply() {
	lateReplies.Inc()
}

// RequestTimeout counts a request resolved by timeout.
func RequestTimeout() {
	requestTimeouts.Inc()
}
