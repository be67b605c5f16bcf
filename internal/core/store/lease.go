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

// AcquireLease attempts to take the sync lease for a scope. The insert
// steals an expired lease in the same statement; a live lease held by
// another owner leaves the row untouched and the acquisition reports
// false.
func (s *Store) AcquireLease(ctx context.Context, lease *core.SyncLease) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if lease == nil {
		return false, errors.New("lease is required")
	}
	if strings.TrimSpace(lease.Scope) == "" {
		return false, errors.New("lease scope is required")
	}
	if strings.TrimSpace(lease.Owner) == "" {
		return false, errors.New("lease owner is required")
	}

	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_leases (scope, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE sync_leases.expires_at <= excluded.acquired_at
		   OR sync_leases.owner = excluded.owner
	`, lease.Scope, lease.Owner,
		lease.AcquiredAt.UTC().UnixMilli(), lease.ExpiresAt.UTC().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return affected > 0, nil
}

// HeartbeatLease extends a held lease. Returns core.ErrLeaseLost when
// the lease is no longer owned by the caller.
func (s *Store) HeartbeatLease(ctx context.Context, scope, owner string, expiresAt time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := s.DB.ExecContext(ctx, `
		UPDATE sync_leases SET expires_at = ?
		WHERE scope = ? AND owner = ?
	`, expiresAt.UTC().UnixMilli(), strings.TrimSpace(scope), strings.TrimSpace(owner))
	if err != nil {
		return fmt.Errorf("heartbeat lease: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat lease: %w", err)
	}
	if affected == 0 {
		return core.ErrLeaseLost
	}
	return nil
}

// ReleaseLease drops a held lease. Releasing a lease that was already
// stolen or expired is not an error.
func (s *Store) ReleaseLease(ctx context.Context, scope, owner string) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM sync_leases WHERE scope = ? AND owner = ?
	`, strings.TrimSpace(scope), strings.TrimSpace(owner))
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// GetLease returns the lease for a scope when one is held and unexpired
// at the supplied instant, else nil.
func (s *Store) GetLease(ctx context.Context, scope string, now time.Time) (*core.SyncLease, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		owner      string
		acquiredAt int64
		expiresAt  int64
	)

	row := s.DB.QueryRowContext(ctx, `
		SELECT owner, acquired_at, expires_at
		FROM sync_leases
		WHERE scope = ? AND expires_at > ?
	`, strings.TrimSpace(scope), now.UTC().UnixMilli())

	if err := row.Scan(&owner, &acquiredAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch lease: %w", err)
	}

	return &core.SyncLease{
		Scope:      strings.TrimSpace(scope),
		Owner:      owner,
		AcquiredAt: time.UnixMilli(acquiredAt).UTC(),
		ExpiresAt:  time.UnixMilli(expiresAt).UTC(),
	}, nil
}
