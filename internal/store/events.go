// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/eclaw/clawd/internal/log"
)

// LogEvent appends one audit record. Failures are logged but never
// propagated; the audit trail must not block game progress.
func (s *Store) LogEvent(ctx context.Context, entryID, eventType, detail string) {
	s.logEvent(ctx, entryID, eventType, detail)
}

func (s *Store) logEvent(ctx context.Context, entryID, eventType, detail string) {
	var d any
	if detail != "" {
		d = detail
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO game_events (entry_id, type, detail) VALUES (?, ?, ?)`,
		entryID, eventType, d)
	if err != nil {
		logger := log.WithComponent("store")
		logger.Error().
			Err(err).
			Str("event", "store.event_write_failed").
			Str(log.FieldEntryID, entryID).
			Str("type", eventType).
			Msg("audit event dropped")
	}
}

// EventsForEntry returns the audit trail for one entry, oldest first.
func (s *Store) EventsForEntry(ctx context.Context, entryID string) ([]GameEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entry_id, type, COALESCE(detail, ''), created_at
		 FROM game_events WHERE entry_id = ? ORDER BY id ASC`, entryID)
	if err != nil {
		return nil, fmt.Errorf("store: events for entry: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []GameEvent
	for rows.Next() {
		var ev GameEvent
		var entry sql.NullString
		var createdAt string
		if err := rows.Scan(&ev.ID, &entry, &ev.Type, &ev.Detail, &createdAt); err != nil {
			return nil, err
		}
		ev.EntryID = entry.String
		if t, err := parseTime(createdAt); err == nil {
			ev.CreatedAt = t
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
