package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stridemirror/stridemirror/internal/core"
	"github.com/stridemirror/stridemirror/internal/upstream"
)

// QueueStore is the persistence behind the retry queue. Idempotent
// insertion and the claim ordering (quota-deferred before non-full,
// FIFO inside a class) are enforced at the store level.
type QueueStore interface {
	EnqueueEntry(ctx context.Context, entry *core.QueueEntry) (bool, error)
	ClaimPending(ctx context.Context, accountID, userID string, budget int, now time.Time) ([]*core.QueueEntry, error)
	MarkDone(ctx context.Context, id string, now time.Time) error
	MarkFailed(ctx context.Context, id, lastError string, now time.Time) error
	RequeueTransient(ctx context.Context, id, lastError string, now time.Time) error
	RevertClaims(ctx context.Context, ids []string, now time.Time) error
	QueueDepth(ctx context.Context, accountID string) (*core.QueueDepth, error)
}

// UnitWorker processes one claimed queue entry: refetch from the
// entry's cursor under the same quota rules as a gather cycle.
type UnitWorker interface {
	FetchOne(ctx context.Context, entry *core.QueueEntry) error
}

// DrainSummary reports what one drain pass did.
type DrainSummary struct {
	Claimed    int           `json:"claimed"`
	Done       int           `json:"done"`
	Requeued   int           `json:"requeued"`
	Failed     int           `json:"failed"`
	Reverted   int           `json:"reverted"`
	Stopped    bool          `json:"stopped"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// RetryQueue owns the lifecycle of deferred fetch work. It holds no
// timers; the scheduler decides when to drain and reads the observed
// RetryAfter back through LastDeniedRetryAfter.
type RetryQueue struct {
	Store     QueueStore
	Worker    UnitWorker
	Quota     *Tracker
	AccountID string
	// MaxAttempts is the total tries ceiling per entry; an entry whose
	// attempt count reaches it moves to the terminal failed state.
	MaxAttempts int
	Clock       func() time.Time
	Logger      *zap.Logger

	mu             sync.Mutex
	deniedAt       time.Time
	lastRetryAfter time.Duration
}

func (q *RetryQueue) now() time.Time {
	if q.Clock != nil {
		return q.Clock()
	}
	return time.Now()
}

func (q *RetryQueue) logger() *zap.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return zap.NewNop()
}

func (q *RetryQueue) maxAttempts() int {
	if q.MaxAttempts > 0 {
		return q.MaxAttempts
	}
	return 5
}

// Enqueue records deferred work for a user at a cursor. Enqueueing the
// same (user, cursor, reason) while a matching entry is still pending
// or in flight is a no-op; the boolean reports whether a new entry was
// created.
func (q *RetryQueue) Enqueue(ctx context.Context, userID, cursor string, reason core.QueueReason) (bool, error) {
	if q == nil || q.Store == nil {
		return false, errors.New("retry queue is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, errors.New("user id is required")
	}

	now := q.now()
	entry := &core.QueueEntry{
		ID:         uuid.NewString(),
		AccountID:  q.AccountID,
		UserID:     userID,
		Cursor:     cursor,
		Reason:     reason,
		Status:     core.QueuePending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}

	created, err := q.Store.EnqueueEntry(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("enqueue %s work for user %s: %w", reason, userID, err)
	}
	if created {
		q.logger().Info("enqueued deferred fetch",
			zap.String("user_id", userID),
			zap.String("reason", string(reason)),
			zap.String("cursor", cursor))
	}
	return created, nil
}

// Drain claims up to budget pending entries and processes them one by
// one, checking quota admission before each. A denied admission (or an
// upstream quota rejection mid-unit) stops the pass and reverts every
// claimed-but-unprocessed entry to pending, attempts and enqueue order
// untouched; the observed RetryAfter is kept for the scheduler. An
// empty userID drains all users of the account.
func (q *RetryQueue) Drain(ctx context.Context, userID string, budget int) (*DrainSummary, error) {
	if q == nil || q.Store == nil || q.Worker == nil || q.Quota == nil {
		return nil, errors.New("retry queue is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	claimed, err := q.Store.ClaimPending(ctx, q.AccountID, userID, budget, q.now())
	if err != nil {
		return nil, fmt.Errorf("drain pass: %w", err)
	}

	summary := &DrainSummary{Claimed: len(claimed)}
	for i, entry := range claimed {
		if err := ctx.Err(); err != nil {
			q.revert(ctx, claimed[i:], summary)
			return summary, err
		}

		admission, err := q.Quota.CheckAdmission(ctx, q.AccountID)
		if err != nil {
			q.revert(ctx, claimed[i:], summary)
			return summary, fmt.Errorf("drain pass: %w", err)
		}
		if !admission.Allowed {
			q.noteDenied(admission.RetryAfter)
			summary.Stopped = true
			summary.RetryAfter = admission.RetryAfter
			q.revert(ctx, claimed[i:], summary)
			return summary, nil
		}

		stop, err := q.processEntry(ctx, entry, summary)
		if err != nil {
			q.revert(ctx, claimed[i+1:], summary)
			return summary, err
		}
		if stop {
			q.revert(ctx, claimed[i+1:], summary)
			return summary, nil
		}
	}

	return summary, nil
}

// processEntry runs one claimed unit and settles its state transition.
// The returned stop flag ends the pass without error (quota exhausted
// upstream).
func (q *RetryQueue) processEntry(ctx context.Context, entry *core.QueueEntry, summary *DrainSummary) (bool, error) {
	workErr := q.Worker.FetchOne(ctx, entry)
	now := q.now()

	switch {
	case workErr == nil:
		if err := q.Store.MarkDone(ctx, entry.ID, now); err != nil {
			return false, fmt.Errorf("complete entry %s: %w", entry.ID, err)
		}
		summary.Done++
		return false, nil

	case upstream.IsQuotaExceeded(workErr):
		// The upstream itself rejected the call. Treat like a denied
		// admission: put the unit back untouched and end the pass.
		quotaErr, _ := upstream.AsQuotaError(workErr)
		q.noteDenied(quotaErr.RetryAfter)
		summary.Stopped = true
		summary.RetryAfter = quotaErr.RetryAfter
		if err := q.Store.RevertClaims(ctx, []string{entry.ID}, now); err != nil {
			return false, fmt.Errorf("revert entry %s: %w", entry.ID, err)
		}
		summary.Reverted++
		return true, nil

	case upstream.IsPermanent(workErr):
		if err := q.Store.MarkFailed(ctx, entry.ID, workErr.Error(), now); err != nil {
			return false, fmt.Errorf("fail entry %s: %w", entry.ID, err)
		}
		summary.Failed++
		q.logger().Warn("queue entry failed permanently",
			zap.String("entry_id", entry.ID),
			zap.String("user_id", entry.UserID),
			zap.Error(workErr))
		return false, nil

	default:
		// Transient: back to pending with the attempt charged, unless
		// the entry is out of tries.
		if entry.Attempts+1 >= q.maxAttempts() {
			if err := q.Store.MarkFailed(ctx, entry.ID, workErr.Error(), now); err != nil {
				return false, fmt.Errorf("fail entry %s: %w", entry.ID, err)
			}
			summary.Failed++
			q.logger().Warn("queue entry exhausted retries",
				zap.String("entry_id", entry.ID),
				zap.String("user_id", entry.UserID),
				zap.Int("attempts", entry.Attempts+1),
				zap.Error(workErr))
			return false, nil
		}
		if err := q.Store.RequeueTransient(ctx, entry.ID, workErr.Error(), now); err != nil {
			return false, fmt.Errorf("requeue entry %s: %w", entry.ID, err)
		}
		summary.Requeued++
		return false, nil
	}
}

func (q *RetryQueue) revert(ctx context.Context, entries []*core.QueueEntry, summary *DrainSummary) {
	if len(entries) == 0 {
		return
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	if err := q.Store.RevertClaims(ctx, ids, q.now()); err != nil {
		q.logger().Error("failed to revert claimed entries", zap.Error(err))
		return
	}
	summary.Reverted += len(ids)
}

func (q *RetryQueue) noteDenied(retryAfter time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deniedAt = q.now()
	q.lastRetryAfter = retryAfter
}

// LastDeniedRetryAfter returns the RetryAfter observed at the most
// recent quota denial and when it was observed. The scheduler uses it
// to time the post-block drain kick; the queue keeps no timer itself.
func (q *RetryQueue) LastDeniedRetryAfter() (time.Duration, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastRetryAfter, q.deniedAt
}

// Depth reports the account's queue depth per lifecycle state.
func (q *RetryQueue) Depth(ctx context.Context) (*core.QueueDepth, error) {
	if q == nil || q.Store == nil {
		return nil, errors.New("retry queue is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return q.Store.QueueDepth(ctx, q.AccountID)
}
