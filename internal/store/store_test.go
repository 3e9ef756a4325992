// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "clawd.db"), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestJoinAssignsMonotonicPositions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Join(ctx, "Alice", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)
	b, err := s.Join(ctx, "Bob", "bob@example.com", "10.0.0.2")
	require.NoError(t, err)

	assert.Equal(t, 1, a.Position)
	assert.Equal(t, 2, b.Position)
	assert.NotEmpty(t, a.RawToken)
	assert.NotEqual(t, a.RawToken, b.RawToken)
}

func TestJoinRejectsDuplicateLiveEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Join(ctx, "Alice", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)

	_, err = s.Join(ctx, "Alice Again", "alice@example.com", "10.0.0.1")
	require.ErrorIs(t, err, ErrDuplicateEntry)
}

func TestJoinAllowedAfterCompletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Join(ctx, "Alice", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, s.SetState(ctx, a.EntryID, StateReady))
	require.NoError(t, s.SetState(ctx, a.EntryID, StateActive))
	require.NoError(t, s.Complete(ctx, a.EntryID, ResultLoss, 2))

	b, err := s.Join(ctx, "Alice", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)
	assert.NotEqual(t, a.EntryID, b.EntryID)
}

func TestPositionsDoNotCollideAcrossAdvance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Join(ctx, "Alice", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, s.SetState(ctx, a.EntryID, StateReady))

	// a is now ready, not waiting; a new join must still get position 2.
	b, err := s.Join(ctx, "Bob", "bob@example.com", "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, 2, b.Position)
}

func TestSingleLiveEntryIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Join(ctx, "Alice", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)
	b, err := s.Join(ctx, "Bob", "bob@example.com", "10.0.0.2")
	require.NoError(t, err)

	require.NoError(t, s.SetState(ctx, a.EntryID, StateReady))
	// Second live entry violates the partial unique index.
	err = s.SetState(ctx, b.EntryID, StateReady)
	require.Error(t, err)

	// After a finishes, b may become live.
	require.NoError(t, s.SetState(ctx, a.EntryID, StateActive))
	require.NoError(t, s.Complete(ctx, a.EntryID, ResultExpired, 0))
	require.NoError(t, s.SetState(ctx, b.EntryID, StateReady))
}

func TestSetStateStampsActivatedAtOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Join(ctx, "Alice", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, s.SetState(ctx, a.EntryID, StateReady))
	require.NoError(t, s.SetState(ctx, a.EntryID, StateActive))

	e, err := s.GetByID(ctx, a.EntryID)
	require.NoError(t, err)
	require.NotNil(t, e.ActivatedAt)
	first := *e.ActivatedAt

	require.NoError(t, s.SetState(ctx, a.EntryID, StateActive))
	e, err = s.GetByID(ctx, a.EntryID)
	require.NoError(t, err)
	assert.Equal(t, first, *e.ActivatedAt)
}

func TestCompleteIsIdempotentGuarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Join(ctx, "Alice", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, s.SetState(ctx, a.EntryID, StateReady))
	require.NoError(t, s.SetState(ctx, a.EntryID, StateActive))

	require.NoError(t, s.Complete(ctx, a.EntryID, ResultWin, 1))
	// Second finalization must not overwrite the recorded result.
	err = s.Complete(ctx, a.EntryID, ResultLoss, 2)
	require.ErrorIs(t, err, ErrNotFound)

	e, err := s.GetByID(ctx, a.EntryID)
	require.NoError(t, err)
	assert.Equal(t, ResultWin, e.Result)
	assert.Equal(t, 1, e.TriesUsed)
	assert.NotNil(t, e.CompletedAt)
}

func TestLeaveCancelsWaitingEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Join(ctx, "Alice", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)

	id, err := s.Leave(ctx, s.HashToken(a.RawToken))
	require.NoError(t, err)
	assert.Equal(t, a.EntryID, id)

	e, err := s.GetByID(ctx, a.EntryID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, e.State)
	assert.Equal(t, ResultCancelled, e.Result)

	// A second leave finds nothing.
	_, err = s.Leave(ctx, s.HashToken(a.RawToken))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetByToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Join(ctx, "Alice", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)

	e, err := s.GetByToken(ctx, s.HashToken(a.RawToken))
	require.NoError(t, err)
	assert.Equal(t, a.EntryID, e.ID)

	_, err = s.GetByToken(ctx, s.HashToken("bogus"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPeekNextWaitingOrdersByPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next, err := s.PeekNextWaiting(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	a, err := s.Join(ctx, "Alice", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)
	_, err = s.Join(ctx, "Bob", "bob@example.com", "10.0.0.2")
	require.NoError(t, err)

	next, err = s.PeekNextWaiting(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, a.EntryID, next.ID)
}

func TestStatusAndRank(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Join(ctx, "Alice", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)
	b, err := s.Join(ctx, "Bob", "bob@example.com", "10.0.0.2")
	require.NoError(t, err)

	require.NoError(t, s.SetState(ctx, a.EntryID, StateReady))

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.QueueLength)
	assert.Equal(t, "Alice", st.CurrentPlayer)
	assert.Equal(t, StateReady, st.CurrentPlayerState)

	rank, err := s.WaitingRank(ctx, b.EntryID)
	require.NoError(t, err)
	assert.Equal(t, 2, rank)
}

func TestCleanupStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Join(ctx, "Alice", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, s.SetState(ctx, a.EntryID, StateReady))

	// Ready entries are always reconciled on boot.
	n, err := s.CleanupStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	e, err := s.GetByID(ctx, a.EntryID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, e.State)
	assert.Equal(t, ResultExpired, e.Result)
}

func TestCleanupStaleKeepsRecentActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Join(ctx, "Alice", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, s.SetState(ctx, a.EntryID, StateReady))
	require.NoError(t, s.SetState(ctx, a.EntryID, StateActive))

	n, err := s.CleanupStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestRateLimitAtomicWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := s.AllowRate(ctx, "10.0.0.1", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok, "observation %d should be allowed", i)
	}
	ok, err := s.AllowRate(ctx, "10.0.0.1", 3, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other keys are unaffected.
	ok, err = s.AllowRate(ctx, "10.0.0.2", 3, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecentResultsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, p := range []struct{ name, email, result string }{
		{"Alice", "alice@example.com", ResultLoss},
		{"Bob", "bob@example.com", ResultWin},
	} {
		j, err := s.Join(ctx, p.name, p.email, "10.0.0.1")
		require.NoError(t, err)
		require.NoError(t, s.SetState(ctx, j.EntryID, StateReady))
		require.NoError(t, s.SetState(ctx, j.EntryID, StateActive))
		require.NoError(t, s.Complete(ctx, j.EntryID, p.result, 2))
		time.Sleep(5 * time.Millisecond)
	}

	items, err := s.RecentResults(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Bob", items[0].Name)
	assert.Equal(t, ResultWin, items[0].Result)
}

func TestContactsUpsertOnRepeatJoin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Join(ctx, "Alice", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, s.SetState(ctx, a.EntryID, StateReady))
	require.NoError(t, s.SetState(ctx, a.EntryID, StateActive))
	require.NoError(t, s.Complete(ctx, a.EntryID, ResultLoss, 2))

	_, err = s.Join(ctx, "Alice B", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)

	var name string
	var count int
	err = s.db.QueryRow(`SELECT name, join_count FROM contacts WHERE email = 'alice@example.com'`).
		Scan(&name, &count)
	require.NoError(t, err)
	assert.Equal(t, "Alice B", name)
	assert.Equal(t, 2, count)
}

func TestEventsForEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Join(ctx, "Alice", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)
	s.LogEvent(ctx, a.EntryID, EventDirection, `{"direction":"left","on":true}`)

	events, err := s.EventsForEntry(ctx, a.EntryID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventJoin, events[0].Type)
	assert.Equal(t, EventDirection, events[1].Type)
}

func TestPruneRemovesOldCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Join(ctx, "Alice", "alice@example.com", "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, s.SetState(ctx, a.EntryID, StateReady))
	require.NoError(t, s.SetState(ctx, a.EntryID, StateActive))
	require.NoError(t, s.Complete(ctx, a.EntryID, ResultLoss, 2))

	// Retention window of zero prunes everything completed in the past.
	time.Sleep(5 * time.Millisecond)
	entries, events, err := s.Prune(ctx, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, entries)
	assert.Greater(t, events, int64(0))

	_, err = s.GetByID(ctx, a.EntryID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTokenSaltStableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clawd.db")

	s1, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	h1 := s1.HashToken("fixed")
	require.NoError(t, s1.Close())

	s2, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	assert.Equal(t, h1, s2.HashToken("fixed"))
}
