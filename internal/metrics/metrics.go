// Package metrics exposes Prometheus counters and gauges for proctord.
//
// Metrics stay on the local machine: they are served only by the review
// server on the loopback interface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsLogged counts events appended to the audit log, by type.
	EventsLogged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctord_events_logged_total",
		Help: "Audit events appended to the event log",
	}, []string{"type"})

	// EventsSuppressed counts appends rejected because the log is sealed.
	EventsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctord_events_suppressed_total",
		Help: "Audit events dropped because the session was already submitted",
	})

	// StoreErrors counts failed store operations by operation.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctord_store_errors_total",
		Help: "Failed reads and writes against the persistent store",
	}, []string{"op"})

	// FullscreenRequests counts fullscreen requests by outcome.
	FullscreenRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctord_fullscreen_requests_total",
		Help: "Fullscreen requests sent to the browser, by outcome",
	}, []string{"outcome"})

	// TimerRemaining is the countdown value in seconds.
	TimerRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proctord_timer_remaining_seconds",
		Help: "Seconds left on the assessment countdown",
	})

	// NativeMessages counts native-messaging frames by direction.
	NativeMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctord_native_messages_total",
		Help: "Native messaging frames exchanged with the browser extension",
	}, []string{"direction"})
)

// Outcome labels for FullscreenRequests.
const (
	OutcomeGranted = "granted"
	OutcomeDenied  = "denied"
)

// Direction labels for NativeMessages.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)
