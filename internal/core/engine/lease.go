package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stridemirror/stridemirror/internal/core"
)

// LeaseStore is the persistence behind sync leases. Acquisition is a
// store-level conditional upsert so two processes racing for the same
// scope resolve in SQL, not in memory.
type LeaseStore interface {
	AcquireLease(ctx context.Context, lease *core.SyncLease) (bool, error)
	HeartbeatLease(ctx context.Context, scope, owner string, expiresAt time.Time) error
	ReleaseLease(ctx context.Context, scope, owner string) error
	GetLease(ctx context.Context, scope string, now time.Time) (*core.SyncLease, error)
}

// LeaseManager hands out TTL-bounded exclusive leases per scope. An
// expired lease is stealable by the next acquirer, which is the crash
// recovery path: a gather that died mid-cycle blocks its user only
// until its lease runs out.
type LeaseManager struct {
	Store LeaseStore
	TTL   time.Duration
	Clock func() time.Time
}

// Lease is a held lease. Heartbeat extends it between work units;
// Release gives it up. Both require the owner token minted at
// acquisition, so a stolen lease cannot be extended by its old holder.
type Lease struct {
	manager *LeaseManager
	record  core.SyncLease
}

// UserScope names the lease scope guarding one user's gather cycles.
func UserScope(userID string) string {
	return "user:" + strings.TrimSpace(userID)
}

func (m *LeaseManager) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}

func (m *LeaseManager) ttl() time.Duration {
	if m.TTL > 0 {
		return m.TTL
	}
	return 2 * time.Minute
}

// Acquire takes the scope's lease or reports core.ErrSyncAlreadyRunning
// when a live lease is held elsewhere.
func (m *LeaseManager) Acquire(ctx context.Context, scope string) (*Lease, error) {
	if m == nil || m.Store == nil {
		return nil, errors.New("lease manager is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, errors.New("lease scope is required")
	}

	now := m.now()
	record := core.SyncLease{
		Scope:      scope,
		Owner:      uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl()),
	}

	acquired, err := m.Store.AcquireLease(ctx, &record)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", scope, err)
	}
	if !acquired {
		return nil, core.ErrSyncAlreadyRunning
	}
	return &Lease{manager: m, record: record}, nil
}

// Held reports whether a live lease exists for the scope.
func (m *LeaseManager) Held(ctx context.Context, scope string) (bool, error) {
	if m == nil || m.Store == nil {
		return false, errors.New("lease manager is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	lease, err := m.Store.GetLease(ctx, strings.TrimSpace(scope), m.now())
	if err != nil {
		return false, fmt.Errorf("inspect lease %s: %w", scope, err)
	}
	return lease != nil, nil
}

// Heartbeat extends the lease's TTL from now. core.ErrLeaseLost means
// the lease expired and was stolen; the holder must stop its cycle.
func (l *Lease) Heartbeat(ctx context.Context) error {
	if l == nil || l.manager == nil {
		return errors.New("lease is not held")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	expiresAt := l.manager.now().Add(l.manager.ttl())
	if err := l.manager.Store.HeartbeatLease(ctx, l.record.Scope, l.record.Owner, expiresAt); err != nil {
		return err
	}
	l.record.ExpiresAt = expiresAt
	return nil
}

// Release gives the lease up. Releasing a lease that was already stolen
// is a no-op on the store side.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.manager == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return l.manager.Store.ReleaseLease(ctx, l.record.Scope, l.record.Owner)
}

// Scope returns the guarded scope name.
func (l *Lease) Scope() string {
	if l == nil {
		return ""
	}
	return l.record.Scope
}

// Owner returns the lease's owner token.
func (l *Lease) Owner() string {
	if l == nil {
		return ""
	}
	return l.record.Owner
}
