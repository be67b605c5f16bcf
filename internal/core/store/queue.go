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

// EnqueueEntry inserts a queue entry. Insertion is idempotent: if an
// entry with the same (user, cursor, reason) is already pending or in
// flight, the insert is a no-op and the existing entry keeps its
// attempts counter. The boolean reports whether a new row was created.
func (s *Store) EnqueueEntry(ctx context.Context, entry *core.QueueEntry) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if entry == nil {
		return false, errors.New("queue entry is required")
	}
	if strings.TrimSpace(entry.ID) == "" {
		return false, errors.New("queue entry id is required")
	}
	if strings.TrimSpace(entry.UserID) == "" {
		return false, errors.New("queue entry user id is required")
	}

	var lastError sql.NullString
	if entry.LastError != "" {
		lastError = sql.NullString{String: entry.LastError, Valid: true}
	}

	res, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_queue (
			id, account_id, user_id, cursor, reason, status,
			attempts, enqueued_at, updated_at, last_error
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.AccountID, entry.UserID, entry.Cursor,
		string(entry.Reason), string(core.QueuePending),
		entry.Attempts, entry.EnqueuedAt.UTC().UnixMilli(), entry.UpdatedAt.UTC().UnixMilli(),
		lastError)
	if err != nil {
		return false, fmt.Errorf("enqueue entry: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue entry: %w", err)
	}
	return affected > 0, nil
}

// ClaimPending atomically claims up to budget pending entries, oldest
// first, quota-deferred entries before non-full continuations. Claimed
// entries are marked in-flight. Filtering by userID is optional.
func (s *Store) ClaimPending(ctx context.Context, accountID, userID string, budget int, now time.Time) ([]*core.QueueEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if budget <= 0 {
		return nil, nil
	}

	where := "status = ? AND account_id = ?"
	args := []any{string(core.QueuePending), strings.TrimSpace(accountID)}
	if userID = strings.TrimSpace(userID); userID != "" {
		where += " AND user_id = ?"
		args = append(args, userID)
	}
	args = append(args, budget)

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, account_id, user_id, cursor, reason, status, attempts,
		       enqueued_at, updated_at, last_error
		FROM sync_queue
		WHERE %s
		ORDER BY CASE reason WHEN 'quota_deferred' THEN 0 ELSE 1 END,
		         enqueued_at ASC, id ASC
		LIMIT ?
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("claim pending entries: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	candidates, err := scanQueueEntries(rows)
	if err != nil {
		return nil, err
	}

	claimed := make([]*core.QueueEntry, 0, len(candidates))
	for _, entry := range candidates {
		res, err := s.DB.ExecContext(ctx, `
			UPDATE sync_queue SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(core.QueueInFlight), now.UTC().UnixMilli(), entry.ID, string(core.QueuePending))
		if err != nil {
			return claimed, fmt.Errorf("claim entry %s: %w", entry.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return claimed, fmt.Errorf("claim entry %s: %w", entry.ID, err)
		}
		if affected == 0 {
			// Raced with another worker; skip.
			continue
		}
		entry.Status = core.QueueInFlight
		entry.UpdatedAt = now.UTC()
		claimed = append(claimed, entry)
	}

	return claimed, nil
}

// MarkDone completes an in-flight entry.
func (s *Store) MarkDone(ctx context.Context, id string, now time.Time) error {
	return s.transition(ctx, id, core.QueueInFlight, core.QueueDone, "", false, now)
}

// MarkFailed moves an in-flight entry to the terminal failed state.
func (s *Store) MarkFailed(ctx context.Context, id, lastError string, now time.Time) error {
	return s.transition(ctx, id, core.QueueInFlight, core.QueueFailed, lastError, false, now)
}

// RequeueTransient returns an in-flight entry to pending after a
// transient failure, incrementing its attempts counter.
func (s *Store) RequeueTransient(ctx context.Context, id, lastError string, now time.Time) error {
	return s.transition(ctx, id, core.QueueInFlight, core.QueuePending, lastError, true, now)
}

// RevertClaims returns claimed-but-unprocessed entries to pending with
// attempts and enqueued_at untouched, so a denied admission wastes no
// ordering or retry budget.
func (s *Store) RevertClaims(ctx context.Context, ids []string, now time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(ids)+2)
	args = append(args, string(core.QueuePending), now.UTC().UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, string(core.QueueInFlight))

	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		UPDATE sync_queue SET status = ?, updated_at = ?
		WHERE id IN (%s) AND status = ?
	`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("revert claimed entries: %w", err)
	}
	return nil
}

// QueueDepth reports entry counts per lifecycle state for an account.
func (s *Store) QueueDepth(ctx context.Context, accountID string) (*core.QueueDepth, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM sync_queue
		WHERE account_id = ?
		GROUP BY status
	`, strings.TrimSpace(accountID))
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	depth := &core.QueueDepth{}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("queue depth: %w", err)
		}
		switch core.QueueStatus(status) {
		case core.QueuePending:
			depth.Pending = count
		case core.QueueInFlight:
			depth.InFlight = count
		case core.QueueFailed:
			depth.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}

	return depth, nil
}

// ListQueueEntries returns a user's queue entries, oldest first.
func (s *Store) ListQueueEntries(ctx context.Context, userID string) ([]*core.QueueEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, account_id, user_id, cursor, reason, status, attempts,
		       enqueued_at, updated_at, last_error
		FROM sync_queue
		WHERE user_id = ?
		ORDER BY enqueued_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	return scanQueueEntries(rows)
}

func (s *Store) transition(ctx context.Context, id string, from, to core.QueueStatus, lastError string, bumpAttempts bool, now time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(id) == "" {
		return errors.New("queue entry id is required")
	}

	attempts := "attempts"
	if bumpAttempts {
		attempts = "attempts + 1"
	}

	var errValue sql.NullString
	if lastError != "" {
		errValue = sql.NullString{String: lastError, Valid: true}
	}

	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		UPDATE sync_queue SET status = ?, attempts = %s, updated_at = ?, last_error = ?
		WHERE id = ? AND status = ?
	`, attempts), string(to), now.UTC().UnixMilli(), errValue, id, string(from))
	if err != nil {
		return fmt.Errorf("transition queue entry %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition queue entry %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("queue entry %s is not %s", id, from)
	}
	return nil
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanQueueEntries(rows rowScanner) ([]*core.QueueEntry, error) {
	entries := []*core.QueueEntry{}
	for rows.Next() {
		var (
			entry      core.QueueEntry
			reason     string
			status     string
			enqueuedAt int64
			updatedAt  int64
			lastError  sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.AccountID, &entry.UserID, &entry.Cursor,
			&reason, &status, &entry.Attempts, &enqueuedAt, &updatedAt, &lastError); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entry.Reason = core.QueueReason(reason)
		entry.Status = core.QueueStatus(status)
		entry.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
		entry.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		if lastError.Valid {
			entry.LastError = lastError.String
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan queue entries: %w", err)
	}
	return entries, nil
}
