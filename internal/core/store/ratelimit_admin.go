package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stridemirror/stridemirror/internal/core"
)

// RateLimitQuery selects accounts for the admin list/reset surfaces.
type RateLimitQuery struct {
	All       bool
	AccountID string
}

func (q RateLimitQuery) Validate() error {
	if q.All {
		return nil
	}
	if strings.TrimSpace(q.AccountID) != "" {
		return nil
	}
	return errors.New("must specify --all or --account")
}

func (q RateLimitQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}
	return "WHERE account_id = ?", []any{strings.TrimSpace(q.AccountID)}, nil
}

// ListRateLimitStatus returns stored quota state for matching accounts.
func (s *Store) ListRateLimitStatus(ctx context.Context, q RateLimitQuery) ([]*core.RateLimitStatus, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT account_id, count_15min, count_daily, window_start_15min,
		       window_start_daily, last_reset_15min, last_reset_daily, version
		FROM rate_limit_status
		%s
		ORDER BY account_id
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list rate limit status: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	entries := []*core.RateLimitStatus{}
	for rows.Next() {
		var (
			entry            core.RateLimitStatus
			windowStart15Min int64
			windowStartDaily int64
			lastReset15Min   int64
			lastResetDaily   int64
		)
		if err := rows.Scan(&entry.AccountID, &entry.Count15Min, &entry.CountDaily,
			&windowStart15Min, &windowStartDaily, &lastReset15Min, &lastResetDaily,
			&entry.Version); err != nil {
			return nil, fmt.Errorf("scan rate limit status: %w", err)
		}
		entry.WindowStart15Min = time.Unix(windowStart15Min, 0).UTC()
		entry.WindowStartDaily = time.Unix(windowStartDaily, 0).UTC()
		entry.LastReset15Min = time.Unix(lastReset15Min, 0).UTC()
		entry.LastResetDaily = time.Unix(lastResetDaily, 0).UTC()
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rate limit status: %w", err)
	}

	return entries, nil
}

// ResetRateLimitStatus zeroes counters for matching accounts, forcing
// the next admission check to start fresh windows. Returns the number
// of accounts reset.
func (s *Store) ResetRateLimitStatus(ctx context.Context, q RateLimitQuery, now time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	stamp := now.UTC().Unix()
	allArgs := append([]any{stamp, stamp, stamp, stamp}, args...)

	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		UPDATE rate_limit_status SET
			count_15min = 0,
			count_daily = 0,
			window_start_15min = ?,
			window_start_daily = ?,
			last_reset_15min = ?,
			last_reset_daily = ?,
			version = version + 1
		%s
	`, where), allArgs...)
	if err != nil {
		return 0, fmt.Errorf("reset rate limit status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset rate limit status: %w", err)
	}
	return affected, nil
}
