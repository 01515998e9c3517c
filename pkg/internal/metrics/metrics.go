package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calling",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "calling",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"method", "route"})

	// Signaling metrics
	SignalConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "calling",
		Name:      "signal_connections",
		Help:      "Live signaling connections",
	})

	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "calling",
		Name:      "rooms",
		Help:      "Rooms holding in-memory state",
	})

	RelayedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calling",
		Name:      "relayed_messages_total",
		Help:      "Negotiation messages delivered to a target connection",
	}, []string{"type"})

	RelayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "calling",
		Name:      "relay_failures_total",
		Help:      "Messages rejected because the target was unreachable",
	})

	ParticipantTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calling",
		Name:      "participant_transitions_total",
		Help:      "Persisted participant status transitions",
	}, []string{"status"})

	ReapedCalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "calling",
		Name:      "reaped_calls_total",
		Help:      "Calls ended by the stale-call reaper",
	})

	ReaperSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calling",
		Name:      "reaper_sweeps_total",
		Help:      "Reaper sweeps by result",
	}, []string{"result"})
)
