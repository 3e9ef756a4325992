// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"time"
)

// AllowRate records an observation for key and reports whether it fits
// inside the rolling window. The INSERT's WHERE clause makes the
// count-and-record atomic, so concurrent joins from the same address
// cannot both slip under the limit.
func (s *Store) AllowRate(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	cutoff := formatTime(time.Now().Add(-window))
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limits (key)
		 SELECT ? WHERE (SELECT COUNT(*) FROM rate_limits WHERE key = ? AND ts >= ?) < ?`,
		key, key, cutoff, max)
	if err != nil {
		return false, fmt.Errorf("store: rate limit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rate limit: %w", err)
	}
	return n == 1, nil
}

// PruneRateLimits deletes observations older than the window.
func (s *Store) PruneRateLimits(ctx context.Context, window time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-window))
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune rate limits: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
