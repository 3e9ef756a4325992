// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the clawd game core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label cardinality is bounded: results, states, actuator names and
// rejection reasons are all closed sets. No per-entry or per-session
// identifiers in labels.

var (
	// TurnsTotal counts finished turns by terminal result.
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawd_turns_total",
		Help: "Total number of completed turns, by result.",
	}, []string{"result"})

	// StateTransitions counts turn state machine transitions by target state.
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawd_state_transitions_total",
		Help: "Total number of turn state machine transitions, by new state.",
	}, []string{"state"})

	// QueueWaiting tracks the current number of waiting queue entries.
	QueueWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clawd_queue_waiting",
		Help: "Current number of waiting queue entries.",
	})

	// JoinRejected counts rejected admission attempts by reason.
	JoinRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawd_join_rejected_total",
		Help: "Total number of rejected join attempts, by reason.",
	}, []string{"reason"})

	// SpectatorSessions tracks currently connected status viewers.
	SpectatorSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clawd_spectator_sessions",
		Help: "Current number of connected spectator sessions.",
	})

	// SpectatorEvictions counts spectators evicted for slow or failed sends.
	SpectatorEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clawd_spectator_evictions_total",
		Help: "Total number of spectator sessions evicted by the broadcast hub.",
	})

	// ControlFramesDropped counts inbound control frames dropped before the
	// game core saw them, by reason (rate_limit, oversize, malformed, not_active).
	ControlFramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawd_control_frames_dropped_total",
		Help: "Total number of dropped inbound control frames, by reason.",
	}, []string{"reason"})

	// ActuatorPulses counts fired pulses by actuator.
	ActuatorPulses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawd_actuator_pulses_total",
		Help: "Total number of actuator pulses fired, by actuator.",
	}, []string{"actuator"})

	// ActuatorRejected counts rejected actuator commands by reason
	// (locked, cooldown, conflict).
	ActuatorRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawd_actuator_rejected_total",
		Help: "Total number of rejected actuator commands, by reason.",
	}, []string{"reason"})

	// HoldTimeouts counts direction holds force-released by the safety ceiling.
	HoldTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clawd_hold_timeouts_total",
		Help: "Total number of direction holds force-released by the safety timer.",
	})

	// EmergencyStops counts emergency stop invocations.
	EmergencyStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clawd_emergency_stops_total",
		Help: "Total number of emergency stop invocations.",
	})

	// WatchdogFirings counts safe-state activations by the external watchdog.
	WatchdogFirings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clawd_watchdog_firings_total",
		Help: "Total number of watchdog safe-state activations.",
	})
)
