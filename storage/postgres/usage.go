package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/seekwell/entitlements/pkg/entitlements"
)

// GetUsage implements entitlements.UsageStore. The per-feature rows for the
// period are folded into one entry.
func (s *Store) GetUsage(ctx context.Context, userID string, period time.Time) (*entitlements.UsageEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT feature, used, updated_at
		FROM usage_ledger
		WHERE user_id = $1 AND period = $2`, userID, period)
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	defer rows.Close()

	entry := &entitlements.UsageEntry{
		UserID:   userID,
		Period:   period.UTC(),
		Counters: make(map[string]int),
	}
	found := false
	for rows.Next() {
		var feature string
		var used int
		var updatedAt time.Time
		if err := rows.Scan(&feature, &used, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		entry.Counters[feature] = used
		if updatedAt.After(entry.UpdatedAt) {
			entry.UpdatedAt = updatedAt.UTC()
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return entry, nil
}

// TrackUsage implements entitlements.UsageStore. The ceiling check and the
// increment are a single statement, so concurrent requests settle inside
// Postgres instead of racing through a read-modify-write.
func (s *Store) TrackUsage(ctx context.Context, req *entitlements.TrackRequest) (int, error) {
	var used int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO usage_ledger (user_id, period, feature, used, updated_at)
		SELECT $1, $2, $3, $4, $6
		WHERE $5 < 0 OR $4 <= $5
		ON CONFLICT (user_id, period, feature) DO UPDATE
		SET used = usage_ledger.used + EXCLUDED.used, updated_at = EXCLUDED.updated_at
		WHERE $5 < 0 OR usage_ledger.used + EXCLUDED.used <= $5
		RETURNING used`,
		req.UserID, req.Period, req.Feature, req.Amount, req.Limit, time.Now().UTC()).
		Scan(&used)
	if err == nil {
		return used, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("track usage: %w", err)
	}

	// No row returned: the increment was rejected. Report the current value
	// so callers can render an accurate denial.
	var current int
	err = s.pool.QueryRow(ctx, `
		SELECT used FROM usage_ledger
		WHERE user_id = $1 AND period = $2 AND feature = $3`,
		req.UserID, req.Period, req.Feature).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("track usage: %w", err)
	}
	return current, entitlements.ErrQuotaExceeded
}

// ListStaleUsage implements entitlements.UsageStore.
func (s *Store) ListStaleUsage(ctx context.Context, before time.Time, limit int) ([]*entitlements.UsageEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT user_id, period
		FROM usage_ledger
		WHERE period < $1
		ORDER BY period ASC, user_id ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale usage: %w", err)
	}
	defer rows.Close()

	type key struct {
		userID string
		period time.Time
	}
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.userID, &k.period); err != nil {
			return nil, fmt.Errorf("scan stale usage: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*entitlements.UsageEntry, 0, len(keys))
	for _, k := range keys {
		entry, err := s.GetUsage(ctx, k.userID, k.period)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			out = append(out, entry)
		}
	}
	return out, nil
}

// ArchiveUsage implements entitlements.UsageStore. The copy to history, the
// delete from the live ledger and the retention trim run in one transaction.
func (s *Store) ArchiveUsage(ctx context.Context, userID string, period time.Time, retain int) error {
	entry, err := s.GetUsage(ctx, userID, period)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("archive usage: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO usage_history (id, user_id, period, counters, archived_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), userID, period, entry.Counters, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("archive usage: insert history: %w", err)
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM usage_ledger WHERE user_id = $1 AND period = $2`, userID, period)
	if err != nil {
		return fmt.Errorf("archive usage: delete live: %w", err)
	}

	if retain > 0 {
		_, err = tx.Exec(ctx, `
			DELETE FROM usage_history
			WHERE user_id = $1 AND id NOT IN (
				SELECT id FROM usage_history
				WHERE user_id = $1
				ORDER BY period DESC
				LIMIT $2
			)`, userID, retain)
		if err != nil {
			return fmt.Errorf("archive usage: trim history: %w", err)
		}
	}

	return tx.Commit(ctx)
}
