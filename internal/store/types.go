// SPDX-License-Identifier: MIT

package store

import "time"

// Queue entry states. waiting→ready→active→done is the normal path;
// cancelled records a voluntary leave.
const (
	StateWaiting   = "waiting"
	StateReady     = "ready"
	StateActive    = "active"
	StateDone      = "done"
	StateCancelled = "cancelled"
)

// Terminal results recorded on completion.
const (
	ResultWin          = "win"
	ResultLoss         = "loss"
	ResultExpired      = "expired"
	ResultSkipped      = "skipped"
	ResultAdminSkipped = "admin_skipped"
	ResultCancelled    = "cancelled"
	ResultError        = "error"
)

// Game event types, append-only audit trail.
const (
	EventJoin           = "join"
	EventLeave          = "leave"
	EventActivate       = "activate"
	EventReadyPrompt    = "ready_prompt"
	EventMoveStart      = "move_start"
	EventDirection      = "direction"
	EventDrop           = "drop"
	EventWin            = "win"
	EventTryEnd         = "try_end"
	EventTurnEnd        = "turn_end"
	EventDisconnect     = "disconnect"
	EventReconnect      = "reconnect"
	EventEmergencyStop  = "emergency_stop"
	EventAdminAction    = "admin_action"
	EventError          = "error"
)

// Entry is a queue row. The raw bearer credential is never stored;
// TokenHash is a salted hash computed by the store.
type Entry struct {
	ID           string
	TokenHash    string
	Name         string
	Email        string
	IP           string
	State        string
	Position     int
	Result       string
	TriesUsed    int
	CreatedAt    time.Time
	ActivatedAt  *time.Time
	CompletedAt  *time.Time
	TryMoveEndAt *time.Time
	TurnEndAt    *time.Time
}

// Terminal reports whether the entry has reached a terminal state.
func (e *Entry) Terminal() bool {
	return e.State == StateDone || e.State == StateCancelled
}

// QueueStatus is the public snapshot broadcast to spectators.
type QueueStatus struct {
	QueueLength        int    `json:"queue_length"`
	CurrentPlayer      string `json:"current_player,omitempty"`
	CurrentPlayerState string `json:"current_player_state,omitempty"`
}

// QueueItem is one row of the public queue listing.
type QueueItem struct {
	ID        string    `json:"-"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"wait_since"`
}

// HistoryItem is one completed turn in the public history feed.
type HistoryItem struct {
	Name        string    `json:"name"`
	Result      string    `json:"result"`
	TriesUsed   int       `json:"tries_used"`
	CompletedAt time.Time `json:"completed_at"`
}

// Stats aggregates counters for the operator dashboard.
type Stats struct {
	Waiting        int `json:"waiting"`
	Live           int `json:"live"`
	TotalCompleted int `json:"total_completed"`
	TotalWins      int `json:"total_wins"`
	TotalEntries   int `json:"total_entries"`
}

// GameEvent is one append-only audit record.
type GameEvent struct {
	ID        int64
	EntryID   string
	Type      string
	Detail    string
	CreatedAt time.Time
}
