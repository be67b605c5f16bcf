package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stridemirror/stridemirror/internal/core"
	"github.com/stridemirror/stridemirror/internal/upstream"
)

// errPageIncomplete marks a refetched queue unit whose payload is still
// truncated. The queue treats it as transient and retries the cursor.
var errPageIncomplete = errors.New("page payload still incomplete")

// Fetcher is the upstream client surface the orchestrator calls.
type Fetcher interface {
	FetchActivities(ctx context.Context, userID, cursor string) (*upstream.Page, error)
}

// ActivityStore is the mirror sink. The orchestrator treats persisted
// records as opaque.
type ActivityStore interface {
	UpsertActivities(ctx context.Context, userID string, activities []core.Activity, fetchedAt time.Time) error
}

// Gatherer runs gather cycles: walk a user's activity pages under quota
// admission, persist full pages, and defer what cannot be completed now
// into the retry queue. One cycle per user at a time, enforced by the
// sync lease.
type Gatherer struct {
	Quota      *Tracker
	Leases     *LeaseManager
	Queue      *RetryQueue
	Fetcher    Fetcher
	Activities ActivityStore
	AccountID  string
	// TransientRetries bounds in-cycle retries of a single page fetch
	// after transient upstream failures.
	TransientRetries int
	Clock            func() time.Time
	Logger           *zap.Logger
}

func (g *Gatherer) now() time.Time {
	if g.Clock != nil {
		return g.Clock()
	}
	return time.Now()
}

func (g *Gatherer) logger() *zap.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return zap.NewNop()
}

func (g *Gatherer) transientRetries() int {
	if g.TransientRetries >= 0 {
		return g.TransientRetries
	}
	return 2
}

// Gather runs one cycle for a user. It returns the cycle summary and
// core.ErrSyncAlreadyRunning (with quota counters untouched) when the
// user's lease is already held. Quota exhaustion is not an error: the
// cycle ends QuotaBlocked with the remaining work queued.
func (g *Gatherer) Gather(ctx context.Context, userID string) (*core.GatherSummary, error) {
	if g == nil || g.Quota == nil || g.Leases == nil || g.Queue == nil || g.Fetcher == nil {
		return nil, errors.New("gatherer is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	lease, err := g.Leases.Acquire(ctx, UserScope(userID))
	if err != nil {
		return nil, err
	}
	defer lease.Release(context.WithoutCancel(ctx)) // nolint:errcheck // best-effort cleanup

	log := g.logger().With(zap.String("user_id", userID))
	log.Info("gather cycle started")

	summary := &core.GatherSummary{}
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			summary.State = core.GatherFailed
			return summary, err
		}
		if err := lease.Heartbeat(ctx); err != nil {
			summary.State = core.GatherFailed
			return summary, fmt.Errorf("gather cycle for user %s: %w", userID, err)
		}

		admission, err := g.Quota.CheckAdmission(ctx, g.AccountID)
		if err != nil {
			summary.State = core.GatherFailed
			return summary, err
		}
		if !admission.Allowed {
			g.deferRemaining(ctx, userID, cursor, summary)
			// Surface the denial to the scheduler so the deferred work
			// is drained once the window rolls over, not a full
			// interval later.
			g.Queue.noteDenied(admission.RetryAfter)
			summary.State = core.GatherQuotaBlocked
			summary.RetryAfter = admission.RetryAfter
			log.Info("gather cycle quota blocked",
				zap.Duration("retry_after", summary.RetryAfter),
				zap.String("cursor", cursor))
			return summary, nil
		}

		page, err := g.fetchPage(ctx, userID, cursor)
		if err != nil {
			var quotaErr *upstream.QuotaError
			if errors.As(err, &quotaErr) {
				g.deferRemaining(ctx, userID, cursor, summary)
				g.Queue.noteDenied(quotaErr.RetryAfter)
				summary.State = core.GatherQuotaBlocked
				summary.RetryAfter = quotaErr.RetryAfter
				log.Info("gather cycle rejected by upstream quota",
					zap.Duration("retry_after", summary.RetryAfter),
					zap.String("cursor", cursor))
				return summary, nil
			}
			summary.State = core.GatherFailed
			log.Error("gather cycle failed", zap.String("cursor", cursor), zap.Error(err))
			return summary, fmt.Errorf("gather cycle for user %s: %w", userID, err)
		}

		summary.Pages++
		if page.Full {
			if len(page.Items) > 0 && g.Activities != nil {
				if err := g.Activities.UpsertActivities(ctx, userID, page.Items, g.now()); err != nil {
					summary.State = core.GatherFailed
					return summary, fmt.Errorf("persist activities for user %s: %w", userID, err)
				}
				summary.Stored += len(page.Items)
			}
		} else {
			// Truncated payload: queue a refetch of this cursor and
			// keep walking. The queue owns making it whole.
			created, err := g.Queue.Enqueue(ctx, userID, cursor, core.ReasonNonFull)
			if err != nil {
				summary.State = core.GatherFailed
				return summary, err
			}
			if created {
				summary.Enqueued++
			}
		}

		if page.NextCursor == "" {
			summary.State = core.GatherCompleted
			log.Info("gather cycle completed",
				zap.Int("pages", summary.Pages),
				zap.Int("stored", summary.Stored),
				zap.Int("enqueued", summary.Enqueued))
			return summary, nil
		}
		cursor = page.NextCursor
	}
}

// FetchOne processes one queued unit: a single admission-checked fetch
// of the entry's cursor. Full payloads are persisted; a quota-deferred
// entry whose page continues also queues the next cursor so the
// interrupted walk resumes one unit per drain slot. A still-truncated
// payload comes back as a transient error for the queue to retry.
func (g *Gatherer) FetchOne(ctx context.Context, entry *core.QueueEntry) error {
	if g == nil || g.Quota == nil || g.Fetcher == nil {
		return errors.New("gatherer is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if entry == nil {
		return errors.New("queue entry is required")
	}

	page, err := g.fetchOnce(ctx, entry.UserID, entry.Cursor)
	if err != nil {
		return err
	}

	if entry.Reason == core.ReasonQuotaDeferred && page.NextCursor != "" {
		if _, err := g.Queue.Enqueue(ctx, entry.UserID, page.NextCursor, core.ReasonQuotaDeferred); err != nil {
			return err
		}
	}

	if !page.Full {
		return errPageIncomplete
	}
	if len(page.Items) > 0 && g.Activities != nil {
		if err := g.Activities.UpsertActivities(ctx, entry.UserID, page.Items, g.now()); err != nil {
			return fmt.Errorf("persist activities for user %s: %w", entry.UserID, err)
		}
	}
	return nil
}

// fetchPage fetches one page with the in-cycle transient retry bound.
// Every attempt that goes out is recorded against the quota, whatever
// comes back.
func (g *Gatherer) fetchPage(ctx context.Context, userID, cursor string) (*upstream.Page, error) {
	var lastErr error
	for attempt := 0; attempt <= g.transientRetries(); attempt++ {
		page, err := g.fetchOnce(ctx, userID, cursor)
		if err == nil {
			return page, nil
		}
		if !upstream.IsTransient(err) {
			return nil, err
		}
		lastErr = err
		g.logger().Warn("transient upstream failure",
			zap.String("user_id", userID),
			zap.String("cursor", cursor),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

// fetchOnce performs a single upstream call and charges it.
func (g *Gatherer) fetchOnce(ctx context.Context, userID, cursor string) (*upstream.Page, error) {
	page, err := g.Fetcher.FetchActivities(ctx, userID, cursor)
	if err == nil {
		if recErr := g.Quota.RecordAttempt(ctx, g.AccountID, core.OutcomeSuccess, page.Quota); recErr != nil {
			return nil, recErr
		}
		return page, nil
	}

	outcome := core.OutcomeError
	var reported *core.UpstreamQuota
	var quotaErr *upstream.QuotaError
	if errors.As(err, &quotaErr) {
		outcome = core.OutcomeQuotaRejected
		reported = quotaErr.Quota
	}
	if recErr := g.Quota.RecordAttempt(ctx, g.AccountID, outcome, reported); recErr != nil {
		return nil, recErr
	}
	return nil, err
}

// deferRemaining queues the rest of an interrupted walk.
func (g *Gatherer) deferRemaining(ctx context.Context, userID, cursor string, summary *core.GatherSummary) {
	created, err := g.Queue.Enqueue(ctx, userID, cursor, core.ReasonQuotaDeferred)
	if err != nil {
		g.logger().Error("failed to queue deferred work",
			zap.String("user_id", userID),
			zap.String("cursor", cursor),
			zap.Error(err))
		return
	}
	if created {
		summary.Enqueued++
	}
}
