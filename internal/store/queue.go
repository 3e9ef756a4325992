// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eclaw/clawd/internal/log"
)

// Sentinel errors surfaced to the admission and game layers.
var (
	ErrDuplicateEntry = errors.New("store: email already has a live queue entry")
	ErrNotFound       = errors.New("store: entry not found")
)

const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// JoinResult is returned from Join; RawToken is the only copy of the
// credential that will ever exist.
type JoinResult struct {
	EntryID  string
	RawToken string
	Position int
}

// Join admits a player into the queue. Position is assigned atomically
// over all non-terminal entries so positions never collide when the
// head of the queue advances to ready/active. The contact row is
// upserted in the same transaction.
func (s *Store) Join(ctx context.Context, name, email, ip string) (JoinResult, error) {
	rawToken, err := MintToken()
	if err != nil {
		return JoinResult{}, err
	}
	entryID := uuid.NewString()
	tokenHash := s.HashToken(rawToken)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return JoinResult{}, fmt.Errorf("store: join: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM queue_entries WHERE email = ? AND state IN ('waiting', 'ready', 'active')`,
		email).Scan(&existing)
	switch {
	case err == nil:
		return JoinResult{}, ErrDuplicateEntry
	case err != sql.ErrNoRows:
		return JoinResult{}, fmt.Errorf("store: join: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO queue_entries (id, token_hash, name, email, ip_address, state, position)
		 VALUES (?, ?, ?, ?, ?, 'waiting',
		         COALESCE((SELECT MAX(position) FROM queue_entries
		                   WHERE state IN ('waiting', 'ready', 'active')), 0) + 1)`,
		entryID, tokenHash, name, email, ip)
	if err != nil {
		return JoinResult{}, fmt.Errorf("store: join insert: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO contacts (email, name) VALUES (?, ?)
		 ON CONFLICT(email) DO UPDATE SET
		   name = excluded.name,
		   last_seen_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now'),
		   join_count = join_count + 1`,
		email, name)
	if err != nil {
		return JoinResult{}, fmt.Errorf("store: join contact: %w", err)
	}

	var position int
	if err := tx.QueryRowContext(ctx,
		`SELECT position FROM queue_entries WHERE id = ?`, entryID).Scan(&position); err != nil {
		return JoinResult{}, fmt.Errorf("store: join position: %w", err)
	}

	detail, _ := json.Marshal(map[string]any{"name": name, "position": position})
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO game_events (entry_id, type, detail) VALUES (?, ?, ?)`,
		entryID, EventJoin, string(detail)); err != nil {
		return JoinResult{}, fmt.Errorf("store: join event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return JoinResult{}, fmt.Errorf("store: join commit: %w", err)
	}
	return JoinResult{EntryID: entryID, RawToken: rawToken, Position: position}, nil
}

// Leave cancels a waiting or ready entry identified by token hash.
// Active entries are not handled here; the game core converts an
// active leave into a cancelled turn end.
func (s *Store) Leave(ctx context.Context, tokenHash string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: leave: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var entryID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM queue_entries WHERE token_hash = ? AND state IN ('waiting', 'ready')`,
		tokenHash).Scan(&entryID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: leave lookup: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE queue_entries
		 SET state = 'cancelled', result = 'cancelled',
		     completed_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE id = ?`, entryID)
	if err != nil {
		return "", fmt.Errorf("store: leave update: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO game_events (entry_id, type) VALUES (?, ?)`,
		entryID, EventLeave); err != nil {
		return "", fmt.Errorf("store: leave event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: leave commit: %w", err)
	}
	return entryID, nil
}

const entryColumns = `id, token_hash, name, email, ip_address, state, position,
	COALESCE(result, ''), tries_used, created_at, activated_at, completed_at,
	try_move_end_at, turn_end_at`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var e Entry
	var createdAt string
	var activatedAt, completedAt, tryMoveEndAt, turnEndAt sql.NullString
	err := row.Scan(&e.ID, &e.TokenHash, &e.Name, &e.Email, &e.IP, &e.State, &e.Position,
		&e.Result, &e.TriesUsed, &createdAt, &activatedAt, &completedAt, &tryMoveEndAt, &turnEndAt)
	if err != nil {
		return nil, err
	}
	if t, err := parseTime(createdAt); err == nil {
		e.CreatedAt = t
	}
	for _, pair := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{activatedAt, &e.ActivatedAt},
		{completedAt, &e.CompletedAt},
		{tryMoveEndAt, &e.TryMoveEndAt},
		{turnEndAt, &e.TurnEndAt},
	} {
		if pair.src.Valid {
			if t, err := parseTime(pair.src.String); err == nil {
				*pair.dst = &t
			}
		}
	}
	return &e, nil
}

// LiveEntry returns the single ready or active entry, or nil.
func (s *Store) LiveEntry(ctx context.Context) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries
		 WHERE state IN ('ready', 'active') LIMIT 1`)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: live entry: %w", err)
	}
	return e, nil
}

// PeekNextWaiting returns the lowest-position waiting entry, or nil.
func (s *Store) PeekNextWaiting(ctx context.Context) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries
		 WHERE state = 'waiting' ORDER BY position ASC LIMIT 1`)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: peek: %w", err)
	}
	return e, nil
}

// GetByToken returns the entry for a salted token hash.
func (s *Store) GetByToken(ctx context.Context, tokenHash string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE token_hash = ?`, tokenHash)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get by token: %w", err)
	}
	return e, nil
}

// GetByID returns the entry with the given id.
func (s *Store) GetByID(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get by id: %w", err)
	}
	return e, nil
}

// SetState transitions an entry to waiting/ready/active. activated_at
// is stamped exactly when the entry becomes active. The partial unique
// index rejects a second live entry at the SQL layer.
func (s *Store) SetState(ctx context.Context, entryID, state string) error {
	var res sql.Result
	var err error
	if state == StateActive {
		res, err = s.db.ExecContext(ctx,
			`UPDATE queue_entries
			 SET state = ?, activated_at = COALESCE(activated_at, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
			 WHERE id = ?`, state, entryID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE queue_entries SET state = ? WHERE id = ?`, state, entryID)
	}
	if err != nil {
		return fmt.Errorf("store: set state %s: %w", state, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logEvent(ctx, entryID, "state_"+state, "")
	return nil
}

// SetDeadlines materialises the phase and hard-turn deadlines so that a
// post-crash reconciler can tell overdue from in-progress entries.
func (s *Store) SetDeadlines(ctx context.Context, entryID string, tryMoveEnd, turnEnd time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET try_move_end_at = ?, turn_end_at = ? WHERE id = ?`,
		formatTime(tryMoveEnd), formatTime(turnEnd), entryID)
	if err != nil {
		return fmt.Errorf("store: set deadlines: %w", err)
	}
	return nil
}

// Complete finalises an entry with a terminal result. completed_at and
// result are written exactly once; a second call is a no-op error.
func (s *Store) Complete(ctx context.Context, entryID, result string, triesUsed int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries
		 SET state = 'done', result = ?, tries_used = ?,
		     completed_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE id = ? AND state NOT IN ('done', 'cancelled')`,
		result, triesUsed, entryID)
	if err != nil {
		return fmt.Errorf("store: complete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	detail, _ := json.Marshal(map[string]any{"result": result, "tries": triesUsed})
	s.logEvent(ctx, entryID, EventTurnEnd, string(detail))
	return nil
}

// Cancel marks an entry cancelled regardless of its current live state.
// Used by the operator kick path.
func (s *Store) Cancel(ctx context.Context, entryID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries
		 SET state = 'cancelled', result = 'cancelled',
		     completed_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE id = ? AND state NOT IN ('done', 'cancelled')`, entryID)
	if err != nil {
		return fmt.Errorf("store: cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logEvent(ctx, entryID, EventAdminAction, `{"action":"kick"}`)
	return nil
}

// Status returns the public queue snapshot.
func (s *Store) Status(ctx context.Context) (QueueStatus, error) {
	var st QueueStatus
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE state = 'waiting'`).Scan(&st.QueueLength); err != nil {
		return st, fmt.Errorf("store: status: %w", err)
	}
	var name, state string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, state FROM queue_entries WHERE state IN ('ready', 'active') LIMIT 1`).
		Scan(&name, &state)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return st, fmt.Errorf("store: status: %w", err)
	default:
		st.CurrentPlayer = name
		st.CurrentPlayerState = state
	}
	return st, nil
}

// WaitingCount returns the number of waiting entries.
func (s *Store) WaitingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE state = 'waiting'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: waiting count: %w", err)
	}
	return n, nil
}

// ListQueue returns all live entries, active first, then by position.
func (s *Store) ListQueue(ctx context.Context) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, state, position, created_at
		 FROM queue_entries WHERE state IN ('waiting', 'ready', 'active')
		 ORDER BY CASE state
		   WHEN 'active' THEN 0 WHEN 'ready' THEN 1 WHEN 'waiting' THEN 2 END,
		 position ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []QueueItem
	for rows.Next() {
		var it QueueItem
		var createdAt string
		if err := rows.Scan(&it.ID, &it.Name, &it.State, &it.Position, &createdAt); err != nil {
			return nil, err
		}
		if t, err := parseTime(createdAt); err == nil {
			it.CreatedAt = t
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// WaitingRank returns the 1-based rank of an entry among live entries.
// Subtract one for the number of players ahead.
func (s *Store) WaitingRank(ctx context.Context, entryID string) (int, error) {
	var rank int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries
		 WHERE state IN ('waiting', 'ready', 'active')
		 AND position <= (SELECT position FROM queue_entries WHERE id = ?)`,
		entryID).Scan(&rank)
	if err != nil {
		return 0, fmt.Errorf("store: waiting rank: %w", err)
	}
	return rank, nil
}

// RecentResults returns the most recent completed turns, newest first.
func (s *Store) RecentResults(ctx context.Context, limit int) ([]HistoryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, result, tries_used, completed_at
		 FROM queue_entries WHERE state = 'done' AND result IS NOT NULL
		 ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []HistoryItem
	for rows.Next() {
		var it HistoryItem
		var completedAt sql.NullString
		if err := rows.Scan(&it.Name, &it.Result, &it.TriesUsed, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			if t, err := parseTime(completedAt.String); err == nil {
				it.CompletedAt = t
			}
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetStats aggregates counters for the operator dashboard.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	queries := []struct {
		q   string
		dst *int
	}{
		{`SELECT COUNT(*) FROM queue_entries WHERE state = 'waiting'`, &st.Waiting},
		{`SELECT COUNT(*) FROM queue_entries WHERE state IN ('ready', 'active')`, &st.Live},
		{`SELECT COUNT(*) FROM queue_entries WHERE state = 'done'`, &st.TotalCompleted},
		{`SELECT COUNT(*) FROM queue_entries WHERE state = 'done' AND result = 'win'`, &st.TotalWins},
		{`SELECT COUNT(*) FROM queue_entries`, &st.TotalEntries},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.q).Scan(q.dst); err != nil {
			return st, fmt.Errorf("store: stats: %w", err)
		}
	}
	return st, nil
}

// CleanupStale reconciles entries stranded in a live state by a crash.
// Ready entries are always expired (their control channel is gone);
// active entries are expired once older than the grace window. Called
// during startup before the game core begins advancing.
func (s *Store) CleanupStale(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-grace))
	var total int64

	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries
		 SET state = 'done', result = 'expired',
		     completed_at = COALESCE(completed_at, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 WHERE state = 'active' AND activated_at IS NOT NULL AND activated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup active: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.db.ExecContext(ctx,
		`UPDATE queue_entries
		 SET state = 'done', result = 'expired',
		     completed_at = COALESCE(completed_at, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 WHERE state = 'ready'`)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup ready: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n

	if total > 0 {
		logger := log.WithComponent("store")
		logger.Warn().
			Str("event", "store.cleanup_stale").
			Int64("reconciled", total).
			Msg("finalized entries stranded by previous run")
	}
	return total, nil
}

// Prune deletes completed entries and their events older than the
// retention window. Contacts are never pruned.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (entries, events int64, err error) {
	cutoff := formatTime(time.Now().Add(-retention))

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM game_events WHERE entry_id IN (
		   SELECT id FROM queue_entries
		   WHERE state IN ('done', 'cancelled') AND completed_at < ?
		 )`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("store: prune events: %w", err)
	}
	events, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM queue_entries
		 WHERE state IN ('done', 'cancelled') AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("store: prune entries: %w", err)
	}
	entries, _ = res.RowsAffected()
	return entries, events, nil
}
