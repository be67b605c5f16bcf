package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/stridemirror/stridemirror/internal/core"
	"github.com/stridemirror/stridemirror/internal/upstream"
)

// Shared in-memory fakes and a fixed clock for the engine tests.

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeQuotaStore struct {
	mu        sync.Mutex
	rows      map[string]*core.RateLimitStatus
	updates   int
	conflicts int
}

func newFakeQuotaStore() *fakeQuotaStore {
	return &fakeQuotaStore{rows: map[string]*core.RateLimitStatus{}}
}

func (s *fakeQuotaStore) GetRateLimitStatus(_ context.Context, accountID string) (*core.RateLimitStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[accountID]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (s *fakeQuotaStore) CreateRateLimitStatus(_ context.Context, status *core.RateLimitStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[status.AccountID]; ok {
		return nil
	}
	copied := *status
	s.rows[status.AccountID] = &copied
	return nil
}

func (s *fakeQuotaStore) UpdateRateLimitStatus(_ context.Context, status *core.RateLimitStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflicts > 0 {
		s.conflicts--
		return core.ErrVersionConflict
	}
	row, ok := s.rows[status.AccountID]
	if !ok || row.Version != status.Version {
		return core.ErrVersionConflict
	}
	copied := *status
	copied.Version++
	s.rows[status.AccountID] = &copied
	status.Version++
	s.updates++
	return nil
}

func (s *fakeQuotaStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

type fakeQueueStore struct {
	mu      sync.Mutex
	entries []*core.QueueEntry
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{}
}

func (s *fakeQueueStore) EnqueueEntry(_ context.Context, entry *core.QueueEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries {
		if existing.UserID == entry.UserID && existing.Cursor == entry.Cursor &&
			existing.Reason == entry.Reason &&
			(existing.Status == core.QueuePending || existing.Status == core.QueueInFlight) {
			return false, nil
		}
	}
	copied := *entry
	s.entries = append(s.entries, &copied)
	return true, nil
}

func (s *fakeQueueStore) ClaimPending(_ context.Context, accountID, userID string, budget int, now time.Time) ([]*core.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := []*core.QueueEntry{}
	for _, entry := range s.entries {
		if entry.Status != core.QueuePending || entry.AccountID != accountID {
			continue
		}
		if userID != "" && entry.UserID != userID {
			continue
		}
		candidates = append(candidates, entry)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := reasonRank(candidates[i].Reason), reasonRank(candidates[j].Reason)
		if pi != pj {
			return pi < pj
		}
		return candidates[i].EnqueuedAt.Before(candidates[j].EnqueuedAt)
	})
	if len(candidates) > budget {
		candidates = candidates[:budget]
	}

	claimed := make([]*core.QueueEntry, 0, len(candidates))
	for _, entry := range candidates {
		entry.Status = core.QueueInFlight
		entry.UpdatedAt = now
		copied := *entry
		claimed = append(claimed, &copied)
	}
	return claimed, nil
}

func reasonRank(reason core.QueueReason) int {
	if reason == core.ReasonQuotaDeferred {
		return 0
	}
	return 1
}

func (s *fakeQueueStore) transition(id string, from, to core.QueueStatus, lastError string, bumpAttempts bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.ID != id {
			continue
		}
		if entry.Status != from {
			return errors.New("unexpected queue entry status")
		}
		entry.Status = to
		entry.UpdatedAt = now
		entry.LastError = lastError
		if bumpAttempts {
			entry.Attempts++
		}
		return nil
	}
	return errors.New("queue entry not found")
}

func (s *fakeQueueStore) MarkDone(_ context.Context, id string, now time.Time) error {
	return s.transition(id, core.QueueInFlight, core.QueueDone, "", false, now)
}

func (s *fakeQueueStore) MarkFailed(_ context.Context, id, lastError string, now time.Time) error {
	return s.transition(id, core.QueueInFlight, core.QueueFailed, lastError, false, now)
}

func (s *fakeQueueStore) RequeueTransient(_ context.Context, id, lastError string, now time.Time) error {
	return s.transition(id, core.QueueInFlight, core.QueuePending, lastError, true, now)
}

func (s *fakeQueueStore) RevertClaims(_ context.Context, ids []string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		for _, entry := range s.entries {
			if entry.ID == id && entry.Status == core.QueueInFlight {
				entry.Status = core.QueuePending
				entry.UpdatedAt = now
			}
		}
	}
	return nil
}

func (s *fakeQueueStore) QueueDepth(_ context.Context, accountID string) (*core.QueueDepth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	depth := &core.QueueDepth{}
	for _, entry := range s.entries {
		if entry.AccountID != accountID {
			continue
		}
		switch entry.Status {
		case core.QueuePending:
			depth.Pending++
		case core.QueueInFlight:
			depth.InFlight++
		case core.QueueFailed:
			depth.Failed++
		}
	}
	return depth, nil
}

func (s *fakeQueueStore) all() []*core.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.QueueEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		copied := *entry
		out = append(out, &copied)
	}
	return out
}

func (s *fakeQueueStore) byReason(reason core.QueueReason) []*core.QueueEntry {
	out := []*core.QueueEntry{}
	for _, entry := range s.all() {
		if entry.Reason == reason {
			out = append(out, entry)
		}
	}
	return out
}

type fakeLeaseStore struct {
	mu   sync.Mutex
	rows map[string]*core.SyncLease
}

func newFakeLeaseStore() *fakeLeaseStore {
	return &fakeLeaseStore{rows: map[string]*core.SyncLease{}}
}

func (s *fakeLeaseStore) AcquireLease(_ context.Context, lease *core.SyncLease) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[lease.Scope]
	if ok && existing.ExpiresAt.After(lease.AcquiredAt) && existing.Owner != lease.Owner {
		return false, nil
	}
	copied := *lease
	s.rows[lease.Scope] = &copied
	return true, nil
}

func (s *fakeLeaseStore) HeartbeatLease(_ context.Context, scope, owner string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[scope]
	if !ok || existing.Owner != owner {
		return core.ErrLeaseLost
	}
	existing.ExpiresAt = expiresAt
	return nil
}

func (s *fakeLeaseStore) ReleaseLease(_ context.Context, scope, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[scope]
	if ok && existing.Owner == owner {
		delete(s.rows, scope)
	}
	return nil
}

func (s *fakeLeaseStore) GetLease(_ context.Context, scope string, now time.Time) (*core.SyncLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[scope]
	if !ok || !existing.ExpiresAt.After(now) {
		return nil, nil
	}
	copied := *existing
	return &copied, nil
}

type fakeActivityStore struct {
	mu   sync.Mutex
	rows map[string]map[string]core.Activity
}

func newFakeActivityStore() *fakeActivityStore {
	return &fakeActivityStore{rows: map[string]map[string]core.Activity{}}
}

func (s *fakeActivityStore) UpsertActivities(_ context.Context, userID string, activities []core.Activity, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.rows[userID]
	if !ok {
		byID = map[string]core.Activity{}
		s.rows[userID] = byID
	}
	for _, activity := range activities {
		byID[activity.ID] = activity
	}
	return nil
}

func (s *fakeActivityStore) count(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[userID])
}

type fetchCall struct {
	userID string
	cursor string
}

type fetchResult struct {
	page *upstream.Page
	err  error
}

// fakeFetcher replays a script of results in call order.
type fakeFetcher struct {
	mu     sync.Mutex
	script []fetchResult
	calls  []fetchCall
}

func (f *fakeFetcher) FetchActivities(_ context.Context, userID, cursor string) (*upstream.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{userID: userID, cursor: cursor})
	if len(f.script) == 0 {
		return nil, &upstream.PermanentError{StatusCode: 410, Message: "fetch script exhausted"}
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next.page, next.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func activities(ids ...string) []core.Activity {
	out := make([]core.Activity, 0, len(ids))
	for _, id := range ids {
		out = append(out, core.Activity{ID: id})
	}
	return out
}
