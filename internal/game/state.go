// SPDX-License-Identifier: MIT

// Package game implements the turn state machine: the authoritative,
// deadline-driven lifecycle of a single player's turn, queue
// advancement, and the bridge between player commands and the actuator.
package game

import (
	"context"
	"time"
)

// State is one turn lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateReadyPrompt State = "ready_prompt"
	StateMoving      State = "moving"
	StateDropping    State = "dropping"
	StatePostDrop    State = "post_drop"
	StateTurnEnd     State = "turn_end"
)

// Message is one outbound frame, broadcast or per-player. The "type"
// key discriminates; the rest is type-specific payload.
type Message map[string]any

// Outbound message types.
const (
	MsgStateUpdate = "state_update"
	MsgQueueUpdate = "queue_update"
	MsgReadyPrompt = "ready_prompt"
	MsgTurnEnd     = "turn_end"
)

// Actuator is the machine's view of the output controller.
type Actuator interface {
	Pulse(ctx context.Context, name string) error
	DirectionOn(dir string) error
	DirectionOff(dir string) error
	AllDirectionsOff() error
	EmergencyStop()
	Unlock()
	IsLocked() bool
	ActiveDirections() []string
	RegisterWinCallback(fn func())
	UnregisterWinCallback()
}

// Broadcaster fans a message out to every spectator. Implementations
// must not block the caller beyond enqueueing.
type Broadcaster interface {
	Broadcast(msg Message)
}

// PlayerNotifier delivers a message to one player's control session.
// Sends to absent sessions are dropped.
type PlayerNotifier interface {
	Send(entryID string, msg Message)
}

// NotifierFunc adapts a function to PlayerNotifier. The composition
// root uses it to break the construction cycle between the machine and
// the control session manager.
type NotifierFunc func(entryID string, msg Message)

func (f NotifierFunc) Send(entryID string, msg Message) { f(entryID, msg) }

// Snapshot is the machine's externally visible state, used by the
// status broadcast, session/me and the operator dashboard.
type Snapshot struct {
	State            State    `json:"state"`
	Paused           bool     `json:"paused"`
	Locked           bool     `json:"locked"`
	EntryID          string   `json:"entry_id,omitempty"`
	PlayerName       string   `json:"player_name,omitempty"`
	CurrentTry       int      `json:"current_try"`
	MaxTries         int      `json:"max_tries"`
	StateSecondsLeft float64  `json:"state_seconds_left"`
	TurnSecondsLeft  float64  `json:"turn_seconds_left"`
	ActiveDirections []string `json:"active_directions"`
}

// Timings are the turn durations in effect. Derived from settings in
// production; overridable for deterministic tests.
type Timings struct {
	ReadyPrompt  time.Duration
	TurnTime     time.Duration
	TryMove      time.Duration
	PostDropWait time.Duration
	Grace        time.Duration
	CoinSettle   time.Duration
}

func secondsLeft(deadline time.Time) float64 {
	if deadline.IsZero() {
		return 0
	}
	left := time.Until(deadline).Seconds()
	if left < 0 {
		return 0
	}
	return left
}
