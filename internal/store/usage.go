package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PeriodLifetime is the counter key for permanent usage limits.
const PeriodLifetime = "lifetime"

// IncrementUsage atomically adds one use for feature in period and returns
// the new count.
func (s *Store) IncrementUsage(ctx context.Context, feature, period string, at time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO usage_counters (feature, period, count, updated_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(feature, period) DO UPDATE SET count = count + 1, updated_at = excluded.updated_at
		RETURNING count`,
		feature, period, at.Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment usage %s/%s: %w", feature, period, err)
	}
	return count, nil
}

// UsageCount returns the counter for feature in period; missing counters are zero.
func (s *Store) UsageCount(ctx context.Context, feature, period string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM usage_counters WHERE feature = ? AND period = ?`, feature, period).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query usage %s/%s: %w", feature, period, err)
	}
	return count, nil
}

// ResetUsage clears every counter stored under period.
func (s *Store) ResetUsage(ctx context.Context, period string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_counters WHERE period = ?`, period)
	if err != nil {
		return 0, fmt.Errorf("reset usage %s: %w", period, err)
	}
	return res.RowsAffected()
}

// PruneUsage deletes dated counters older than before. Lifetime counters are kept.
func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_counters WHERE period != ? AND updated_at < ?`, PeriodLifetime, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	return res.RowsAffected()
}
