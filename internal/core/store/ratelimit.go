package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stridemirror/stridemirror/internal/core"
)

// GetRateLimitStatus returns the persisted quota state for an account,
// or nil when no row exists yet.
func (s *Store) GetRateLimitStatus(ctx context.Context, accountID string) (*core.RateLimitStatus, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errors.New("account id is required")
	}

	var (
		count15Min       int
		countDaily       int
		windowStart15Min int64
		windowStartDaily int64
		lastReset15Min   int64
		lastResetDaily   int64
		version          int64
	)

	row := s.DB.QueryRowContext(ctx, `
		SELECT count_15min, count_daily, window_start_15min, window_start_daily,
		       last_reset_15min, last_reset_daily, version
		FROM rate_limit_status
		WHERE account_id = ?
	`, accountID)

	if err := row.Scan(&count15Min, &countDaily, &windowStart15Min, &windowStartDaily,
		&lastReset15Min, &lastResetDaily, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch rate limit status: %w", err)
	}

	return &core.RateLimitStatus{
		AccountID:        accountID,
		Count15Min:       count15Min,
		CountDaily:       countDaily,
		WindowStart15Min: time.Unix(windowStart15Min, 0).UTC(),
		WindowStartDaily: time.Unix(windowStartDaily, 0).UTC(),
		LastReset15Min:   time.Unix(lastReset15Min, 0).UTC(),
		LastResetDaily:   time.Unix(lastResetDaily, 0).UTC(),
		Version:          version,
	}, nil
}

// CreateRateLimitStatus inserts the initial zero-count row for an
// account. A row that already exists is left untouched; callers re-read
// after creation.
func (s *Store) CreateRateLimitStatus(ctx context.Context, status *core.RateLimitStatus) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if status == nil {
		return errors.New("rate limit status is required")
	}

	accountID := strings.TrimSpace(status.AccountID)
	if accountID == "" {
		return errors.New("account id is required")
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO rate_limit_status (
			account_id, count_15min, count_daily,
			window_start_15min, window_start_daily,
			last_reset_15min, last_reset_daily, version
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(account_id) DO NOTHING
	`, accountID, status.Count15Min, status.CountDaily,
		status.WindowStart15Min.UTC().Unix(), status.WindowStartDaily.UTC().Unix(),
		status.LastReset15Min.UTC().Unix(), status.LastResetDaily.UTC().Unix())
	if err != nil {
		return fmt.Errorf("create rate limit status: %w", err)
	}

	return nil
}

// UpdateRateLimitStatus persists quota state using optimistic
// concurrency: the write succeeds only when the stored version still
// matches status.Version. On collision it returns
// core.ErrVersionConflict and the caller re-reads and retries.
func (s *Store) UpdateRateLimitStatus(ctx context.Context, status *core.RateLimitStatus) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if status == nil {
		return errors.New("rate limit status is required")
	}

	accountID := strings.TrimSpace(status.AccountID)
	if accountID == "" {
		return errors.New("account id is required")
	}

	res, err := s.DB.ExecContext(ctx, `
		UPDATE rate_limit_status SET
			count_15min = ?,
			count_daily = ?,
			window_start_15min = ?,
			window_start_daily = ?,
			last_reset_15min = ?,
			last_reset_daily = ?,
			version = version + 1
		WHERE account_id = ? AND version = ?
	`, status.Count15Min, status.CountDaily,
		status.WindowStart15Min.UTC().Unix(), status.WindowStartDaily.UTC().Unix(),
		status.LastReset15Min.UTC().Unix(), status.LastResetDaily.UTC().Unix(),
		accountID, status.Version)
	if err != nil {
		return fmt.Errorf("store rate limit status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store rate limit status: %w", err)
	}
	if affected == 0 {
		return core.ErrVersionConflict
	}

	status.Version++
	return nil
}
