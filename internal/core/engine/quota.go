package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stridemirror/stridemirror/internal/core"
	"github.com/stridemirror/stridemirror/internal/metrics"
)

// casRetries bounds the local retry loop around the store's versioned
// compare-and-swap. Conflicts are expected under concurrent writers and
// must stay invisible to callers.
const casRetries = 5

// QuotaStore is the persistence the tracker needs: one versioned row
// per account, updated via compare-and-swap.
type QuotaStore interface {
	GetRateLimitStatus(ctx context.Context, accountID string) (*core.RateLimitStatus, error)
	CreateRateLimitStatus(ctx context.Context, status *core.RateLimitStatus) error
	UpdateRateLimitStatus(ctx context.Context, status *core.RateLimitStatus) error
}

// Admission is the tracker's answer to "may an upstream call be made
// right now". When denied, RetryAfter is the earliest moment any
// blocked window rolls over; admission must be re-checked then because
// the other window may still block.
type Admission struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Tracker is the quota gatekeeper for one upstream account. Both quota
// windows are account-wide and shared across all users, so the counts
// the tracker admits against may also be consumed by parties outside
// this process; the upstream's reported usage reconciles that drift.
type Tracker struct {
	Store      QuotaStore
	Limit15Min int
	LimitDaily int
	// Margin in (0, 1] shrinks the effective limits, leaving headroom
	// for other consumers of the same account.
	Margin float64
	Clock  func() time.Time
	Logger *zap.Logger
}

func (t *Tracker) now() time.Time {
	if t.Clock != nil {
		return t.Clock()
	}
	return time.Now()
}

func (t *Tracker) logger() *zap.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return zap.NewNop()
}

// effectiveLimit applies the safety margin. The floor is 1 so a tight
// margin can never wedge the tracker shut permanently.
func (t *Tracker) effectiveLimit(limit int) int {
	margin := t.Margin
	if margin <= 0 || margin > 1 {
		margin = 1
	}
	effective := int(float64(limit) * margin)
	if effective < 1 {
		effective = 1
	}
	return effective
}

func (t *Tracker) limitFor(kind core.WindowKind) int {
	switch kind {
	case core.WindowShort:
		return t.effectiveLimit(t.Limit15Min)
	default:
		return t.effectiveLimit(t.LimitDaily)
	}
}

// load fetches the account's persisted quota row, creating the zero row
// on first contact. Creation races are benign: the insert is a no-op on
// conflict and the follow-up read sees the winner.
func (t *Tracker) load(ctx context.Context, accountID string) (*core.RateLimitStatus, error) {
	status, err := t.Store.GetRateLimitStatus(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if status != nil {
		return status, nil
	}

	if err := t.Store.CreateRateLimitStatus(ctx, &core.RateLimitStatus{AccountID: accountID}); err != nil {
		return nil, err
	}
	status, err = t.Store.GetRateLimitStatus(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, fmt.Errorf("rate limit status for account %s missing after create", accountID)
	}
	return status, nil
}

// CheckAdmission decides whether an upstream call may be made now. The
// decision uses a lazily rolled-over view and does not write: counters
// only move on RecordAttempt, so checking admission is free and safe to
// call from read paths. A count at or above the effective limit denies,
// including counts pushed past the limit by upstream reconciliation.
func (t *Tracker) CheckAdmission(ctx context.Context, accountID string) (Admission, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Admission{}, errors.New("account id is required")
	}

	status, err := t.load(ctx, accountID)
	if err != nil {
		return Admission{}, fmt.Errorf("check admission: %w", err)
	}

	now := t.now()
	admission := Admission{Allowed: true}
	for _, rule := range windowRules {
		window := rule.view(status, now, t.limitFor(rule.kind))
		metrics.SetQuotaWindow(window)
		if window.Count < window.Limit {
			continue
		}
		metrics.RecordQuotaDenial(string(window.Kind))
		retryAfter := rule.retryAfter(status, now)
		if admission.Allowed || retryAfter < admission.RetryAfter {
			admission.RetryAfter = retryAfter
		}
		admission.Allowed = false
	}

	if !admission.Allowed {
		t.logger().Info("quota admission denied",
			zap.String("account_id", accountID),
			zap.Duration("retry_after", admission.RetryAfter))
	}
	return admission, nil
}

// RecordAttempt charges one upstream call against both windows. Every
// attempt counts, including calls the upstream itself rejected; the
// upstream saw them all. When the upstream reported its own usage,
// counts reconcile upward to max(local, reported), never downward.
// Version conflicts from concurrent writers are retried locally.
func (t *Tracker) RecordAttempt(ctx context.Context, accountID string, outcome core.AttemptOutcome, reported *core.UpstreamQuota) error {
	if ctx == nil {
		ctx = context.Background()
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return errors.New("account id is required")
	}

	now := t.now()
	for attempt := 0; attempt < casRetries; attempt++ {
		status, err := t.load(ctx, accountID)
		if err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}

		for _, rule := range windowRules {
			rule.rollover(status, now)
			*rule.count(status)++
		}
		if reported != nil {
			if reported.Used15Min > status.Count15Min {
				status.Count15Min = reported.Used15Min
			}
			if reported.UsedDaily > status.CountDaily {
				status.CountDaily = reported.UsedDaily
			}
		}

		err = t.Store.UpdateRateLimitStatus(ctx, status)
		if err == nil {
			t.logger().Debug("recorded upstream attempt",
				zap.String("account_id", accountID),
				zap.Int("outcome", int(outcome)),
				zap.Int("count_15min", status.Count15Min),
				zap.Int("count_daily", status.CountDaily))
			return nil
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			return fmt.Errorf("record attempt: %w", err)
		}
	}

	return fmt.Errorf("record attempt for account %s: %w", accountID, core.ErrVersionConflict)
}

// Windows returns both quota windows as rolled over at now, using the
// same view CheckAdmission admits against. Read-only.
func (t *Tracker) Windows(ctx context.Context, accountID string) ([]core.QuotaWindow, *core.RateLimitStatus, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, nil, errors.New("account id is required")
	}

	status, err := t.load(ctx, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("quota windows: %w", err)
	}

	now := t.now()
	windows := make([]core.QuotaWindow, 0, len(windowRules))
	for _, rule := range windowRules {
		window := rule.view(status, now, t.limitFor(rule.kind))
		metrics.SetQuotaWindow(window)
		windows = append(windows, window)
	}
	return windows, status, nil
}
