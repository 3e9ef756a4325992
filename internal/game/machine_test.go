// SPDX-License-Identifier: MIT

package game

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/eclaw/clawd/internal/config"
	"github.com/eclaw/clawd/internal/gpio"
	"github.com/eclaw/clawd/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder captures broadcast and per-player traffic.
type recorder struct {
	mu         sync.Mutex
	broadcasts []Message
	sends      map[string][]Message
}

func newRecorder() *recorder {
	return &recorder{sends: make(map[string][]Message)}
}

func (r *recorder) Broadcast(msg Message) {
	r.mu.Lock()
	r.broadcasts = append(r.broadcasts, msg)
	r.mu.Unlock()
}

func (r *recorder) Send(entryID string, msg Message) {
	r.mu.Lock()
	r.sends[entryID] = append(r.sends[entryID], msg)
	r.mu.Unlock()
}

func (r *recorder) hasSend(entryID, msgType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range r.sends[entryID] {
		if msg["type"] == msgType {
			return true
		}
	}
	return false
}

func fastTimings() Timings {
	return Timings{
		ReadyPrompt:  200 * time.Millisecond,
		TurnTime:     5 * time.Second,
		TryMove:      200 * time.Millisecond,
		PostDropWait: 100 * time.Millisecond,
		Grace:        100 * time.Millisecond,
		CoinSettle:   time.Millisecond,
	}
}

func newTestMachine(t *testing.T, timings Timings, mutate func(*config.Settings)) (*Machine, *store.Store, *gpio.MockBackend, *recorder) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "clawd.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	settings := config.Default()
	if mutate != nil {
		mutate(&settings)
	}
	mgr := config.NewManager(settings)

	backend := gpio.NewMockBackend()
	gcfg := gpio.ConfigFromSettings(settings)
	gcfg.PulseWidth = map[string]time.Duration{
		gpio.ActuatorCoin: time.Millisecond,
		gpio.ActuatorDrop: time.Millisecond,
	}
	gcfg.Cooldown = 0
	gcfg.HoldMax = time.Second
	ctrl, err := gpio.NewController(backend, gcfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })

	rec := newRecorder()
	m := NewMachine(mgr, st, ctrl, rec, rec)
	m.override = &timings
	t.Cleanup(m.Close)
	return m, st, backend, rec
}

func join(t *testing.T, st *store.Store, name, email string) store.JoinResult {
	t.Helper()
	res, err := st.Join(context.Background(), name, email, "10.0.0.1")
	require.NoError(t, err)
	return res
}

func requireEntryResult(t *testing.T, st *store.Store, entryID, result string) *store.Entry {
	t.Helper()
	var entry *store.Entry
	require.Eventually(t, func() bool {
		e, err := st.GetByID(context.Background(), entryID)
		if err != nil || !e.Terminal() || e.Result != result {
			return false
		}
		entry = e
		return true
	}, 5*time.Second, 10*time.Millisecond, "entry should finalize with %s", result)
	return entry
}

func TestCleanWin(t *testing.T) {
	m, st, backend, rec := newTestMachine(t, fastTimings(), nil)
	ctx := context.Background()

	a := join(t, st, "Alice", "alice@example.com")
	m.Advance(ctx)

	assert.Equal(t, StateReadyPrompt, m.Snapshot().State)
	assert.True(t, rec.hasSend(a.EntryID, MsgReadyPrompt))

	m.ReadyConfirm(ctx, a.EntryID)
	assert.Equal(t, StateMoving, m.Snapshot().State)

	m.DropPress(ctx, a.EntryID)
	backend.TriggerWin()

	entry := requireEntryResult(t, st, a.EntryID, store.ResultWin)
	assert.Equal(t, 1, entry.TriesUsed)
	assert.Empty(t, m.Snapshot().ActiveDirections)
	assert.Equal(t, StateIdle, m.Snapshot().State)
	assert.True(t, rec.hasSend(a.EntryID, MsgTurnEnd))
}

func TestLossByExhaustion(t *testing.T) {
	m, st, _, _ := newTestMachine(t, fastTimings(), func(s *config.Settings) {
		s.TriesPerPlayer = 2
	})
	ctx := context.Background()

	a := join(t, st, "Alice", "alice@example.com")
	m.Advance(ctx)
	m.ReadyConfirm(ctx, a.EntryID)
	m.DropPress(ctx, a.EntryID)

	// No win; second try starts after the post-drop window, then the
	// move and post-drop windows elapse again.
	entry := requireEntryResult(t, st, a.EntryID, store.ResultLoss)
	assert.Equal(t, 2, entry.TriesUsed)
}

func TestAutoDropOnMoveTimeout(t *testing.T) {
	m, st, _, _ := newTestMachine(t, fastTimings(), func(s *config.Settings) {
		s.TriesPerPlayer = 1
	})
	ctx := context.Background()

	a := join(t, st, "Alice", "alice@example.com")
	m.Advance(ctx)
	m.ReadyConfirm(ctx, a.EntryID)

	// No drop input: the move deadline must fire the drop itself.
	require.Eventually(t, func() bool {
		s := m.Snapshot().State
		return s == StatePostDrop || s == StateIdle
	}, 2*time.Second, 5*time.Millisecond)
	requireEntryResult(t, st, a.EntryID, store.ResultLoss)
}

func TestHardTurnCeiling(t *testing.T) {
	timings := fastTimings()
	timings.TurnTime = 300 * time.Millisecond
	timings.TryMove = 10 * time.Second
	m, st, _, _ := newTestMachine(t, timings, nil)
	ctx := context.Background()

	a := join(t, st, "Alice", "alice@example.com")
	m.Advance(ctx)
	m.ReadyConfirm(ctx, a.EntryID)
	assert.Equal(t, StateMoving, m.Snapshot().State)

	requireEntryResult(t, st, a.EntryID, store.ResultExpired)
}

func TestDisconnectInMoving(t *testing.T) {
	m, st, backend, rec := newTestMachine(t, fastTimings(), nil)
	ctx := context.Background()

	a := join(t, st, "Alice", "alice@example.com")
	b := join(t, st, "Bob", "bob@example.com")
	m.Advance(ctx)
	m.ReadyConfirm(ctx, a.EntryID)

	m.DirectionPress(ctx, a.EntryID, gpio.DirNorth)
	assert.Equal(t, []string{gpio.DirNorth}, m.Snapshot().ActiveDirections)

	m.Disconnect(ctx, a.EntryID)
	// Directions off immediately, well before the grace window ends.
	assert.Empty(t, m.Snapshot().ActiveDirections)
	assert.False(t, backend.PinState(27))

	requireEntryResult(t, st, a.EntryID, store.ResultExpired)

	// Next waiting entry advances.
	require.Eventually(t, func() bool {
		return rec.hasSend(b.EntryID, MsgReadyPrompt)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectCancelsGrace(t *testing.T) {
	timings := fastTimings()
	timings.Grace = 150 * time.Millisecond
	timings.TryMove = 2 * time.Second
	m, st, _, _ := newTestMachine(t, timings, nil)
	ctx := context.Background()

	a := join(t, st, "Alice", "alice@example.com")
	m.Advance(ctx)
	m.ReadyConfirm(ctx, a.EntryID)

	m.Disconnect(ctx, a.EntryID)
	m.Reconnected(ctx, a.EntryID)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, StateMoving, m.Snapshot().State)

	e, err := st.GetByID(ctx, a.EntryID)
	require.NoError(t, err)
	assert.False(t, e.Terminal())
}

func TestAdminSkip(t *testing.T) {
	m, st, _, rec := newTestMachine(t, fastTimings(), nil)
	ctx := context.Background()

	a := join(t, st, "Alice", "alice@example.com")
	b := join(t, st, "Bob", "bob@example.com")
	m.Advance(ctx)
	m.ReadyConfirm(ctx, a.EntryID)

	require.True(t, m.AdminForceEnd(ctx, store.ResultAdminSkipped))
	requireEntryResult(t, st, a.EntryID, store.ResultAdminSkipped)

	snap := m.Snapshot()
	assert.Empty(t, snap.ActiveDirections)
	assert.False(t, snap.Locked)
	require.Eventually(t, func() bool {
		return rec.hasSend(b.EntryID, MsgReadyPrompt)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReadyPromptTimeoutSkips(t *testing.T) {
	m, st, _, _ := newTestMachine(t, fastTimings(), nil)
	ctx := context.Background()

	a := join(t, st, "Alice", "alice@example.com")
	m.Advance(ctx)

	requireEntryResult(t, st, a.EntryID, store.ResultSkipped)
}

func TestWinOutsidePostDropIgnored(t *testing.T) {
	timings := fastTimings()
	timings.TryMove = 2 * time.Second
	m, st, backend, _ := newTestMachine(t, timings, nil)
	ctx := context.Background()

	a := join(t, st, "Alice", "alice@example.com")
	m.Advance(ctx)
	m.ReadyConfirm(ctx, a.EntryID)

	// Sensor noise during moving must not finish the turn: the hardware
	// callback is unregistered and the machine distrusts the event.
	backend.TriggerWin()
	m.WinTriggered(ctx)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateMoving, m.Snapshot().State)

	e, err := st.GetByID(ctx, a.EntryID)
	require.NoError(t, err)
	assert.False(t, e.Terminal())
}

func TestReadyConfirmFromWrongEntryIgnored(t *testing.T) {
	m, st, _, _ := newTestMachine(t, fastTimings(), nil)
	ctx := context.Background()

	a := join(t, st, "Alice", "alice@example.com")
	b := join(t, st, "Bob", "bob@example.com")
	m.Advance(ctx)

	m.ReadyConfirm(ctx, b.EntryID)
	assert.Equal(t, StateReadyPrompt, m.Snapshot().State)
	assert.Equal(t, a.EntryID, m.Snapshot().EntryID)
}

func TestDropOncePerTry(t *testing.T) {
	timings := fastTimings()
	timings.PostDropWait = 2 * time.Second
	m, st, _, _ := newTestMachine(t, timings, func(s *config.Settings) {
		s.TriesPerPlayer = 1
	})
	ctx := context.Background()

	a := join(t, st, "Alice", "alice@example.com")
	m.Advance(ctx)
	m.ReadyConfirm(ctx, a.EntryID)

	m.DropPress(ctx, a.EntryID)
	assert.Equal(t, StatePostDrop, m.Snapshot().State)
	// Repeated presses in post_drop change nothing.
	m.DropPress(ctx, a.EntryID)
	assert.Equal(t, StatePostDrop, m.Snapshot().State)
	assert.Equal(t, 1, m.Snapshot().CurrentTry)
}

func TestPauseBlocksAdvance(t *testing.T) {
	m, st, _, _ := newTestMachine(t, fastTimings(), nil)
	ctx := context.Background()

	m.Pause()
	a := join(t, st, "Alice", "alice@example.com")
	m.Advance(ctx)
	assert.Equal(t, StateIdle, m.Snapshot().State)

	e, err := st.GetByID(ctx, a.EntryID)
	require.NoError(t, err)
	assert.Equal(t, store.StateWaiting, e.State)

	m.Resume(ctx)
	assert.Equal(t, StateReadyPrompt, m.Snapshot().State)
}

func TestCancelActiveEntry(t *testing.T) {
	m, st, _, _ := newTestMachine(t, fastTimings(), nil)
	ctx := context.Background()

	a := join(t, st, "Alice", "alice@example.com")
	m.Advance(ctx)
	m.ReadyConfirm(ctx, a.EntryID)

	require.True(t, m.CancelEntry(ctx, a.EntryID))
	requireEntryResult(t, st, a.EntryID, store.ResultCancelled)

	// Non-live entries are not the machine's business.
	assert.False(t, m.CancelEntry(ctx, "no-such-entry"))
}

func TestEmergencyStopEndsTurnLocked(t *testing.T) {
	m, st, _, _ := newTestMachine(t, fastTimings(), nil)
	ctx := context.Background()

	a := join(t, st, "Alice", "alice@example.com")
	b := join(t, st, "Bob", "bob@example.com")
	m.Advance(ctx)
	m.ReadyConfirm(ctx, a.EntryID)

	m.EmergencyStop(ctx)
	requireEntryResult(t, st, a.EntryID, store.ResultError)
	assert.True(t, m.Snapshot().Locked)

	// Locked: the queue must not advance past the stop.
	e, err := st.GetByID(ctx, b.EntryID)
	require.NoError(t, err)
	assert.Equal(t, store.StateWaiting, e.State)

	m.Unlock(ctx)
	assert.False(t, m.Snapshot().Locked)
	assert.Equal(t, StateReadyPrompt, m.Snapshot().State)
}

func TestStateSecondsLeftMonotonicWithinPhase(t *testing.T) {
	timings := fastTimings()
	timings.TryMove = time.Second
	m, st, _, rec := newTestMachine(t, timings, nil)
	ctx := context.Background()

	a := join(t, st, "Alice", "alice@example.com")
	m.Advance(ctx)
	m.ReadyConfirm(ctx, a.EntryID)

	first := m.Snapshot().StateSecondsLeft
	time.Sleep(50 * time.Millisecond)
	second := m.Snapshot().StateSecondsLeft
	assert.LessOrEqual(t, second, first)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.NotEmpty(t, rec.broadcasts)
}

func TestSafetyNetRecoversOrphanLiveEntry(t *testing.T) {
	m, st, _, _ := newTestMachine(t, fastTimings(), nil)
	ctx := context.Background()

	// A live row the machine does not own, as if mutated externally.
	a := join(t, st, "Alice", "alice@example.com")
	b := join(t, st, "Bob", "bob@example.com")
	require.NoError(t, st.SetState(ctx, a.EntryID, store.StateReady))

	m.safetyCheck(ctx)

	requireEntryResult(t, st, a.EntryID, store.ResultError)
	assert.Equal(t, StateReadyPrompt, m.Snapshot().State)
	assert.Equal(t, b.EntryID, m.Snapshot().EntryID)
}
