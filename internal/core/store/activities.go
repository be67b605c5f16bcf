package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stridemirror/stridemirror/internal/core"
)

// UpsertActivities writes a page of mirrored activities for a user.
// Re-fetched activities replace the stored payload, so repeated syncs
// converge on the upstream's latest view.
func (s *Store) UpsertActivities(ctx context.Context, userID string, activities []core.Activity, fetchedAt time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("user id is required")
	}
	if len(activities) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin activities upsert: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	stamp := fetchedAt.UTC().Unix()
	for _, activity := range activities {
		if strings.TrimSpace(activity.ID) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO activities (user_id, activity_id, payload, fetched_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, activity_id) DO UPDATE SET
				payload = excluded.payload,
				fetched_at = excluded.fetched_at
		`, userID, activity.ID, string(activity.Raw), stamp); err != nil {
			return fmt.Errorf("upsert activity %s: %w", activity.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit activities upsert: %w", err)
	}
	return nil
}

// CountActivities reports how many activities are mirrored for a user.
func (s *Store) CountActivities(ctx context.Context, userID string) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var count int
	row := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activities WHERE user_id = ?
	`, strings.TrimSpace(userID))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count activities: %w", err)
	}
	return count, nil
}
