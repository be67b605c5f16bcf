//go:build cgo

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stridemirror/stridemirror/internal/config"
	"github.com/stridemirror/stridemirror/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()
	s, err := Open(ctx, config.StoreConfig{Driver: "libsql", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRateLimitStatusRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	got, err := s.GetRateLimitStatus(ctx, "acct-1")
	require.NoError(t, err)
	require.Nil(t, got)

	seed := &core.RateLimitStatus{
		AccountID:        "acct-1",
		WindowStart15Min: now,
		WindowStartDaily: now,
		LastReset15Min:   now,
		LastResetDaily:   now,
	}
	require.NoError(t, s.CreateRateLimitStatus(ctx, seed))

	got, err = s.GetRateLimitStatus(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 0, got.Count15Min)
	require.Equal(t, int64(0), got.Version)

	got.Count15Min = 5
	got.CountDaily = 5
	require.NoError(t, s.UpdateRateLimitStatus(ctx, got))
	require.Equal(t, int64(1), got.Version)

	reread, err := s.GetRateLimitStatus(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, 5, reread.Count15Min)
	require.Equal(t, int64(1), reread.Version)
}

func TestRateLimitStatusVersionConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := &core.RateLimitStatus{
		AccountID:        "acct-1",
		WindowStart15Min: now,
		WindowStartDaily: now,
		LastReset15Min:   now,
		LastResetDaily:   now,
	}
	require.NoError(t, s.CreateRateLimitStatus(ctx, seed))

	first, err := s.GetRateLimitStatus(ctx, "acct-1")
	require.NoError(t, err)
	second, err := s.GetRateLimitStatus(ctx, "acct-1")
	require.NoError(t, err)

	first.Count15Min = 1
	require.NoError(t, s.UpdateRateLimitStatus(ctx, first))

	second.Count15Min = 2
	err = s.UpdateRateLimitStatus(ctx, second)
	require.ErrorIs(t, err, core.ErrVersionConflict)
}

func TestEnqueueIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := &core.QueueEntry{
		ID:         uuid.New().String(),
		AccountID:  "acct-1",
		UserID:     "user-1",
		Cursor:     "cursor-3",
		Reason:     core.ReasonNonFull,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}

	inserted, err := s.EnqueueEntry(ctx, entry)
	require.NoError(t, err)
	require.True(t, inserted)

	dup := *entry
	dup.ID = uuid.New().String()
	inserted, err = s.EnqueueEntry(ctx, &dup)
	require.NoError(t, err)
	require.False(t, inserted)

	entries, err := s.ListQueueEntries(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestClaimOrderingAndRevert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mk := func(cursor string, reason core.QueueReason, offset time.Duration) {
		_, err := s.EnqueueEntry(ctx, &core.QueueEntry{
			ID:         uuid.New().String(),
			AccountID:  "acct-1",
			UserID:     "user-1",
			Cursor:     cursor,
			Reason:     reason,
			EnqueuedAt: base.Add(offset),
			UpdatedAt:  base.Add(offset),
		})
		require.NoError(t, err)
	}

	mk("nf-1", core.ReasonNonFull, 0)
	mk("qd-1", core.ReasonQuotaDeferred, time.Second)
	mk("nf-2", core.ReasonNonFull, 2*time.Second)
	mk("qd-2", core.ReasonQuotaDeferred, 3*time.Second)

	claimed, err := s.ClaimPending(ctx, "acct-1", "", 10, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 4)

	// Quota-deferred entries first, FIFO within each reason class.
	require.Equal(t, "qd-1", claimed[0].Cursor)
	require.Equal(t, "qd-2", claimed[1].Cursor)
	require.Equal(t, "nf-1", claimed[2].Cursor)
	require.Equal(t, "nf-2", claimed[3].Cursor)

	// Revert the last two; attempts and enqueue order must survive.
	require.NoError(t, s.RevertClaims(ctx, []string{claimed[2].ID, claimed[3].ID}, base.Add(2*time.Minute)))

	entries, err := s.ListQueueEntries(ctx, "user-1")
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.Cursor == "nf-1" || entry.Cursor == "nf-2" {
			require.Equal(t, core.QueuePending, entry.Status)
			require.Equal(t, 0, entry.Attempts)
		}
	}
	require.Equal(t, "nf-1", entries[0].Cursor) // enqueued_at ordering unchanged
}

func TestQueueTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := &core.QueueEntry{
		ID:         uuid.New().String(),
		AccountID:  "acct-1",
		UserID:     "user-1",
		Cursor:     "c1",
		Reason:     core.ReasonQuotaDeferred,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	_, err := s.EnqueueEntry(ctx, entry)
	require.NoError(t, err)

	claimed, err := s.ClaimPending(ctx, "acct-1", "user-1", 1, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.RequeueTransient(ctx, claimed[0].ID, "connection reset", now))

	entries, err := s.ListQueueEntries(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, core.QueuePending, entries[0].Status)
	require.Equal(t, 1, entries[0].Attempts)
	require.Equal(t, "connection reset", entries[0].LastError)

	claimed, err = s.ClaimPending(ctx, "acct-1", "user-1", 1, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s.MarkDone(ctx, claimed[0].ID, now))

	depth, err := s.QueueDepth(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, 0, depth.Pending)
	require.Equal(t, 0, depth.InFlight)
}

func TestLeaseLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	lease := &core.SyncLease{
		Scope:      "user-1",
		Owner:      uuid.New().String(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(2 * time.Minute),
	}

	ok, err := s.AcquireLease(ctx, lease)
	require.NoError(t, err)
	require.True(t, ok)

	// A different owner cannot take a live lease.
	rival := &core.SyncLease{
		Scope:      "user-1",
		Owner:      uuid.New().String(),
		AcquiredAt: now.Add(time.Second),
		ExpiresAt:  now.Add(2 * time.Minute),
	}
	ok, err = s.AcquireLease(ctx, rival)
	require.NoError(t, err)
	require.False(t, ok)

	// After expiry the lease is stealable.
	rival.AcquiredAt = now.Add(3 * time.Minute)
	rival.ExpiresAt = now.Add(5 * time.Minute)
	ok, err = s.AcquireLease(ctx, rival)
	require.NoError(t, err)
	require.True(t, ok)

	// The original owner lost the lease.
	err = s.HeartbeatLease(ctx, "user-1", lease.Owner, now.Add(6*time.Minute))
	require.ErrorIs(t, err, core.ErrLeaseLost)

	require.NoError(t, s.ReleaseLease(ctx, "user-1", rival.Owner))
	got, err := s.GetLease(ctx, "user-1", now.Add(4*time.Minute))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUpsertActivities(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	acts := []core.Activity{
		{ID: "a1", Raw: []byte(`{"id":"a1","type":"run"}`)},
		{ID: "a2", Raw: []byte(`{"id":"a2","type":"ride"}`)},
	}
	require.NoError(t, s.UpsertActivities(ctx, "user-1", acts, now))
	require.NoError(t, s.UpsertActivities(ctx, "user-1", acts, now.Add(time.Minute)))

	count, err := s.CountActivities(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}
