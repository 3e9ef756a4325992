// SPDX-License-Identifier: MIT

package game

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eclaw/clawd/internal/config"
	"github.com/eclaw/clawd/internal/gpio"
	"github.com/eclaw/clawd/internal/log"
	"github.com/eclaw/clawd/internal/metrics"
	"github.com/eclaw/clawd/internal/store"
)

// Machine is the turn state machine. Every mutation happens under mu;
// timer callbacks, websocket handlers and HTTP handlers all funnel
// through the exported methods. The win sensor bridges onto this
// serialized path through a bounded channel: the hardware callback does
// nothing but enqueue.
type Machine struct {
	cfg     *config.Manager
	store   *store.Store
	act     Actuator
	bcast   Broadcaster
	players PlayerNotifier
	sched   *scheduler
	logger  zerolog.Logger

	winCh   chan struct{}
	stopWin chan struct{}
	winDone chan struct{}

	mu            sync.Mutex
	state         State
	entry         *store.Entry
	currentTry    int
	dropFired     bool
	paused        bool
	phaseDeadline time.Time
	turnDeadline  time.Time

	// override replaces settings-derived timings in tests.
	override *Timings
}

// NewMachine wires the machine and starts the win-sensor drain
// goroutine. Call Close to release it.
func NewMachine(cfg *config.Manager, st *store.Store, act Actuator, bcast Broadcaster, players PlayerNotifier) *Machine {
	m := &Machine{
		cfg:     cfg,
		store:   st,
		act:     act,
		bcast:   bcast,
		players: players,
		sched:   newScheduler(),
		logger:  log.WithComponent("game"),
		state:   StateIdle,
		winCh:   make(chan struct{}, 4),
		stopWin: make(chan struct{}),
		winDone: make(chan struct{}),
	}
	go m.drainWins()
	return m
}

func (m *Machine) drainWins() {
	defer close(m.winDone)
	for {
		select {
		case <-m.stopWin:
			return
		case <-m.winCh:
			m.WinTriggered(context.Background())
		}
	}
}

// enqueueWin is the only code the win sensor runs; it never touches
// machine state.
func (m *Machine) enqueueWin() {
	select {
	case m.winCh <- struct{}{}:
	default:
	}
}

func (m *Machine) timings() Timings {
	if m.override != nil {
		return *m.override
	}
	s := m.cfg.Snapshot()
	return Timings{
		ReadyPrompt:  s.ReadyPrompt(),
		TurnTime:     s.TurnTime(),
		TryMove:      s.TryMoveTime(),
		PostDropWait: s.PostDropWait(),
		Grace:        s.DisconnectGrace(),
		CoinSettle:   s.CoinSettle(),
	}
}

// Close stops the win drain goroutine and every pending timer. The
// actuator itself is closed by the composition root after this.
func (m *Machine) Close() {
	m.sched.cancelAll()
	close(m.stopWin)
	<-m.winDone
}

// Run drives the periodic safety net: if the machine sits idle while
// entries wait (missed wakeup, externally cancelled active entry), the
// queue is re-advanced. Returns when ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	interval := time.Duration(m.cfg.Snapshot().QueueCheckIntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.safetyCheck(ctx)
		}
	}
}

func (m *Machine) safetyCheck(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return
	}
	// A live row the machine does not own means an external mutation or
	// a missed cleanup; finalize it so the queue can move.
	if live, err := m.store.LiveEntry(ctx); err == nil && live != nil {
		m.logger.Warn().
			Str("event", "game.orphan_live_entry").
			Str(log.FieldEntryID, live.ID).
			Str("entry_state", live.State).
			Msg("finalizing live entry with no in-memory turn")
		if err := m.store.Complete(ctx, live.ID, store.ResultError, 0); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Error().Err(err).
				Str("event", "game.orphan_finalize_failed").
				Str(log.FieldEntryID, live.ID).
				Msg("could not finalize orphan entry")
			return
		}
	}
	m.advanceLocked(ctx)
}

// Advance promotes the next waiting entry if the machine is idle.
func (m *Machine) Advance(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceLocked(ctx)
}

func (m *Machine) advanceLocked(ctx context.Context) {
	if m.state != StateIdle || m.paused || m.act.IsLocked() {
		return
	}
	next, err := m.store.PeekNextWaiting(ctx)
	if err != nil {
		m.logger.Error().Err(err).
			Str("event", "game.advance_failed").
			Msg("could not read queue head")
		return
	}
	if next == nil {
		return
	}
	if err := m.store.SetState(ctx, next.ID, store.StateReady); err != nil {
		m.logger.Error().Err(err).
			Str("event", "game.promote_failed").
			Str(log.FieldEntryID, next.ID).
			Msg("could not promote entry to ready")
		return
	}
	next.State = store.StateReady
	m.entry = next
	m.currentTry = 0
	m.dropFired = false
	m.setStateLocked(StateReadyPrompt)

	t := m.timings()
	entryID := next.ID
	m.phaseDeadline = m.sched.arm(timerPhase, t.ReadyPrompt, func() {
		m.readyTimeout(entryID)
	})
	m.turnDeadline = time.Time{}

	m.players.Send(entryID, Message{
		"type":         MsgReadyPrompt,
		"seconds_left": t.ReadyPrompt.Seconds(),
	})
	m.broadcastStateLocked()
	m.broadcastQueueLocked(ctx)
}

func (m *Machine) readyTimeout(entryID string) {
	ctx := context.Background()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReadyPrompt || m.entry == nil || m.entry.ID != entryID {
		return
	}
	m.logger.Info().
		Str("event", "game.ready_timeout").
		Str(log.FieldEntryID, entryID).
		Msg("player did not confirm in time")
	m.endTurnLocked(ctx, store.ResultSkipped)
}

// ReadyConfirm starts the turn for the prompted entry. Confirmations
// outside ready_prompt or from a non-matching entry are ignored.
func (m *Machine) ReadyConfirm(ctx context.Context, entryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReadyPrompt || m.entry == nil || m.entry.ID != entryID {
		m.logger.Debug().
			Str("event", "game.ready_confirm_ignored").
			Str(log.FieldEntryID, entryID).
			Str(log.FieldOldState, string(m.state)).
			Msg("ready_confirm out of place")
		return
	}
	if err := m.store.SetState(ctx, entryID, store.StateActive); err != nil {
		m.fatalLocked(ctx, "persistence", err)
		return
	}
	m.entry.State = store.StateActive

	t := m.timings()
	m.turnDeadline = m.sched.arm(timerHardTurn, t.TurnTime, func() {
		m.hardTimeout(entryID)
	})
	m.store.LogEvent(ctx, entryID, store.EventActivate, "")
	m.tryStartLocked(ctx)
}

func (m *Machine) hardTimeout(entryID string) {
	ctx := context.Background()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entry == nil || m.entry.ID != entryID {
		return
	}
	m.logger.Info().
		Str("event", "game.hard_timeout").
		Str(log.FieldEntryID, entryID).
		Msg("hard turn ceiling reached")
	m.endTurnLocked(ctx, store.ResultExpired)
}

// tryStartLocked begins a try: optional coin pulse plus settle, then
// the move window. Holding mu through the pulse keeps the whole
// transition serialized, same as every other suspension point here.
func (m *Machine) tryStartLocked(ctx context.Context) {
	m.currentTry++
	m.dropFired = false
	entryID := m.entry.ID
	try := m.currentTry
	t := m.timings()
	s := m.cfg.Snapshot()

	if s.CoinEachTry {
		switch err := m.act.Pulse(ctx, gpio.ActuatorCoin); {
		case err == nil:
			time.Sleep(t.CoinSettle)
		case errors.Is(err, gpio.ErrHardware):
			m.fatalLocked(ctx, "hardware", err)
			return
		default:
			// Cooldown or lock rejection: the machine may still accept
			// the credit from the previous pulse.
			m.logger.Warn().Err(err).
				Str("event", "game.coin_rejected").
				Str(log.FieldEntryID, entryID).
				Int(log.FieldTry, try).
				Msg("coin pulse rejected")
		}
	}

	m.setStateLocked(StateMoving)
	m.phaseDeadline = m.sched.arm(timerPhase, t.TryMove, func() {
		m.moveTimeout(entryID, try)
	})
	if err := m.store.SetDeadlines(ctx, entryID, m.phaseDeadline, m.turnDeadline); err != nil {
		m.fatalLocked(ctx, "persistence", err)
		return
	}
	detail, _ := json.Marshal(map[string]any{"try": try})
	m.store.LogEvent(ctx, entryID, store.EventMoveStart, string(detail))
	m.broadcastStateLocked()
}

func (m *Machine) moveTimeout(entryID string, try int) {
	ctx := context.Background()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateMoving || m.entry == nil || m.entry.ID != entryID || m.currentTry != try {
		return
	}
	m.logger.Info().
		Str("event", "game.auto_drop").
		Str(log.FieldEntryID, entryID).
		Int(log.FieldTry, try).
		Msg("move window elapsed, dropping")
	m.beginDropLocked(ctx, "timeout")
}

// DirectionPress asserts a direction for the active player. Ignored
// outside moving or from a non-active entry; actuator-level rejections
// (conflict, lock) are dropped quietly.
func (m *Machine) DirectionPress(ctx context.Context, entryID, dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateMoving || m.entry == nil || m.entry.ID != entryID {
		return
	}
	switch err := m.act.DirectionOn(dir); {
	case err == nil:
		detail, _ := json.Marshal(map[string]any{"direction": dir, "on": true})
		m.store.LogEvent(ctx, entryID, store.EventDirection, string(detail))
	case errors.Is(err, gpio.ErrHardware):
		m.fatalLocked(ctx, "hardware", err)
	default:
		m.logger.Debug().Err(err).
			Str("event", "game.direction_rejected").
			Str(log.FieldDirection, dir).
			Msg("direction press rejected")
	}
}

// DirectionRelease releases a direction hold. Idempotent; ignored from
// non-active entries.
func (m *Machine) DirectionRelease(ctx context.Context, entryID, dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entry == nil || m.entry.ID != entryID {
		return
	}
	switch err := m.act.DirectionOff(dir); {
	case err == nil:
	case errors.Is(err, gpio.ErrHardware):
		m.fatalLocked(ctx, "hardware", err)
	default:
	}
}

// DropPress triggers the drop for the active player. At most one drop
// transition happens per try regardless of repeated presses.
func (m *Machine) DropPress(ctx context.Context, entryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateMoving || m.entry == nil || m.entry.ID != entryID || m.dropFired {
		return
	}
	m.beginDropLocked(ctx, "player")
}

// beginDropLocked: directions off, win callback armed, drop pulse,
// then the post-drop win window. The win callback is registered before
// the pulse so a catch during the drop itself still counts.
func (m *Machine) beginDropLocked(ctx context.Context, trigger string) {
	m.dropFired = true
	m.sched.cancel(timerPhase)
	entryID := m.entry.ID
	try := m.currentTry

	m.setStateLocked(StateDropping)
	if err := m.act.AllDirectionsOff(); err != nil {
		m.fatalLocked(ctx, "hardware", err)
		return
	}
	m.act.RegisterWinCallback(m.enqueueWin)

	switch err := m.act.Pulse(ctx, gpio.ActuatorDrop); {
	case err == nil:
	case errors.Is(err, gpio.ErrHardware):
		m.fatalLocked(ctx, "hardware", err)
		return
	default:
		m.logger.Warn().Err(err).
			Str("event", "game.drop_rejected").
			Str(log.FieldEntryID, entryID).
			Msg("drop pulse rejected")
	}

	t := m.timings()
	m.setStateLocked(StatePostDrop)
	m.phaseDeadline = m.sched.arm(timerPhase, t.PostDropWait, func() {
		m.postDropTimeout(entryID, try)
	})
	detail, _ := json.Marshal(map[string]any{"trigger": trigger, "try": try})
	m.store.LogEvent(ctx, entryID, store.EventDrop, string(detail))
	m.broadcastStateLocked()
}

func (m *Machine) postDropTimeout(entryID string, try int) {
	ctx := context.Background()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePostDrop || m.entry == nil || m.entry.ID != entryID || m.currentTry != try {
		return
	}
	m.act.UnregisterWinCallback()

	maxTries := m.cfg.Snapshot().TriesPerPlayer
	if m.currentTry < maxTries {
		m.store.LogEvent(ctx, entryID, store.EventTryEnd, "")
		m.tryStartLocked(ctx)
		return
	}
	m.endTurnLocked(ctx, store.ResultLoss)
}

// WinTriggered resolves the turn as a win. Trusted only in dropping and
// post_drop; everywhere else the sensor is noise.
func (m *Machine) WinTriggered(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDropping && m.state != StatePostDrop {
		m.logger.Debug().
			Str("event", "game.win_ignored").
			Str(log.FieldOldState, string(m.state)).
			Msg("win sensor outside trusted window")
		return
	}
	m.store.LogEvent(ctx, m.entry.ID, store.EventWin, "")
	m.endTurnLocked(ctx, store.ResultWin)
}

// Disconnect reacts to the active player's control channel closing:
// directions are released immediately; the turn survives until the
// grace window runs out.
func (m *Machine) Disconnect(ctx context.Context, entryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entry == nil || m.entry.ID != entryID {
		return
	}
	if err := m.act.AllDirectionsOff(); err != nil {
		m.fatalLocked(ctx, "hardware", err)
		return
	}
	m.store.LogEvent(ctx, entryID, store.EventDisconnect, "")
	t := m.timings()
	m.sched.arm(timerGrace, t.Grace, func() {
		m.graceExpired(entryID)
	})
	m.logger.Info().
		Str("event", "game.disconnect").
		Str(log.FieldEntryID, entryID).
		Dur("grace", t.Grace).
		Msg("active player disconnected")
}

// Reconnected cancels a pending disconnect grace timer.
func (m *Machine) Reconnected(ctx context.Context, entryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entry == nil || m.entry.ID != entryID {
		return
	}
	m.sched.cancel(timerGrace)
	m.store.LogEvent(ctx, entryID, store.EventReconnect, "")
	m.broadcastStateLocked()
}

func (m *Machine) graceExpired(entryID string) {
	ctx := context.Background()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entry == nil || m.entry.ID != entryID {
		return
	}
	result := store.ResultExpired
	if m.state == StateReadyPrompt {
		result = store.ResultSkipped
	}
	m.logger.Info().
		Str("event", "game.grace_expired").
		Str(log.FieldEntryID, entryID).
		Msg("player did not return within grace")
	m.endTurnLocked(ctx, result)
}

// AdminForceEnd terminates the current turn with the given result.
// Reports whether a turn was in progress.
func (m *Machine) AdminForceEnd(ctx context.Context, result string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entry == nil {
		return false
	}
	m.store.LogEvent(ctx, m.entry.ID, store.EventAdminAction, `{"action":"force_end"}`)
	m.endTurnLocked(ctx, result)
	return true
}

// CancelEntry converts a voluntary leave of the live entry into a
// cancelled turn end. Reports whether the entry was live here.
func (m *Machine) CancelEntry(ctx context.Context, entryID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entry == nil || m.entry.ID != entryID {
		return false
	}
	m.endTurnLocked(ctx, store.ResultCancelled)
	return true
}

// Pause stops new turns from starting; the current turn finishes
// normally.
func (m *Machine) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
	m.broadcastStateLocked()
}

// Resume re-enables turn starts and immediately advances.
func (m *Machine) Resume(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	m.broadcastStateLocked()
	m.advanceLocked(ctx)
}

// Paused reports the admission pause flag.
func (m *Machine) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// EmergencyStop locks the actuator and terminates any current turn as
// an error. The controller stays locked until an operator unlocks it.
func (m *Machine) EmergencyStop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.act.EmergencyStop()
	if m.entry != nil {
		m.store.LogEvent(ctx, m.entry.ID, store.EventEmergencyStop, "")
		m.endTurnLocked(ctx, store.ResultError)
	}
}

// Unlock clears the actuator lock and resumes queue advancement.
func (m *Machine) Unlock(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.act.Unlock()
	m.advanceLocked(ctx)
}

// fatalLocked is the escalation path for hardware and persistence
// failures: lock everything, end the turn as error, stay locked.
func (m *Machine) fatalLocked(ctx context.Context, kind string, err error) {
	m.logger.Error().Err(err).
		Str("event", "game.fatal").
		Str("kind", kind).
		Msg("fatal failure, locking actuator")
	if m.entry != nil {
		m.store.LogEvent(ctx, m.entry.ID, store.EventError, "")
	}
	m.endTurnLocked(ctx, store.ResultError)
}

// endTurnLocked finalizes the turn: cancel every timer, clear every
// output via lock-then-unlock, persist the terminal row, broadcast,
// zero the context, return to idle and advance. Setting state to
// turn_end first guards against re-entry from a racing deadline.
func (m *Machine) endTurnLocked(ctx context.Context, result string) {
	if m.state == StateTurnEnd {
		return
	}
	prev := m.entry
	m.setStateLocked(StateTurnEnd)
	m.sched.cancel(timerPhase)
	m.sched.cancel(timerHardTurn)
	m.sched.cancel(timerGrace)
	m.act.UnregisterWinCallback()
	m.act.EmergencyStop()
	if result != store.ResultError {
		m.act.Unlock()
	}

	tries := m.currentTry
	if prev != nil {
		if err := m.store.Complete(ctx, prev.ID, result, tries); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Error().Err(err).
				Str("event", "game.finalize_failed").
				Str(log.FieldEntryID, prev.ID).
				Str(log.FieldResult, result).
				Msg("could not persist terminal result")
		}
		m.logger.Info().
			Str("event", "game.turn_end").
			Str(log.FieldEntryID, prev.ID).
			Str(log.FieldResult, result).
			Int("tries_used", tries).
			Msg("turn finished")
	}
	metrics.TurnsTotal.WithLabelValues(result).Inc()

	endMsg := Message{"type": MsgTurnEnd, "result": result, "tries_used": tries}
	if prev != nil {
		endMsg["player_name"] = prev.Name
		m.players.Send(prev.ID, endMsg)
	}
	m.bcast.Broadcast(endMsg)

	m.entry = nil
	m.currentTry = 0
	m.dropFired = false
	m.phaseDeadline = time.Time{}
	m.turnDeadline = time.Time{}
	m.setStateLocked(StateIdle)
	m.broadcastQueueLocked(ctx)
	m.advanceLocked(ctx)
}

func (m *Machine) setStateLocked(next State) {
	if m.state == next {
		return
	}
	m.logger.Debug().
		Str("event", "game.transition").
		Str(log.FieldOldState, string(m.state)).
		Str(log.FieldNewState, string(next)).
		Msg("state change")
	m.state = next
	metrics.StateTransitions.WithLabelValues(string(next)).Inc()
}

// Snapshot returns the externally visible machine state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:            m.state,
		Paused:           m.paused,
		Locked:           m.act.IsLocked(),
		CurrentTry:       m.currentTry,
		MaxTries:         m.cfg.Snapshot().TriesPerPlayer,
		StateSecondsLeft: secondsLeft(m.phaseDeadline),
		TurnSecondsLeft:  secondsLeft(m.turnDeadline),
		ActiveDirections: m.act.ActiveDirections(),
	}
	if m.entry != nil {
		snap.EntryID = m.entry.ID
		snap.PlayerName = m.entry.Name
	}
	return snap
}

// broadcastStateLocked emits state_update to spectators and, when a
// turn is live, to the active player. The deadline-derived countdown
// fields here are the only timer source clients ever see.
func (m *Machine) broadcastStateLocked() {
	snap := m.snapshotLocked()
	msg := Message{
		"type":               MsgStateUpdate,
		"state":              string(snap.State),
		"paused":             snap.Paused,
		"locked":             snap.Locked,
		"current_try":        snap.CurrentTry,
		"max_tries":          snap.MaxTries,
		"state_seconds_left": snap.StateSecondsLeft,
		"turn_seconds_left":  snap.TurnSecondsLeft,
	}
	if snap.PlayerName != "" {
		msg["player_name"] = snap.PlayerName
	}
	m.bcast.Broadcast(msg)
	if m.entry != nil {
		m.players.Send(m.entry.ID, msg)
	}
}

func (m *Machine) broadcastQueueLocked(ctx context.Context) {
	status, err := m.store.Status(ctx)
	if err != nil {
		m.logger.Error().Err(err).
			Str("event", "game.queue_status_failed").
			Msg("could not read queue status")
		return
	}
	metrics.QueueWaiting.Set(float64(status.QueueLength))
	msg := Message{
		"type":         MsgQueueUpdate,
		"queue_length": status.QueueLength,
	}
	if status.CurrentPlayer != "" {
		msg["current_player"] = status.CurrentPlayer
		msg["current_player_state"] = status.CurrentPlayerState
	}
	m.bcast.Broadcast(msg)
}

// NotifyQueueChanged re-broadcasts the queue snapshot; called by the
// admission path after joins and leaves.
func (m *Machine) NotifyQueueChanged(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcastQueueLocked(ctx)
}
