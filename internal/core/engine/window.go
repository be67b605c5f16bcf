// Package engine contains the rate-limited synchronization core: the
// quota tracker, the gather orchestrator, the durable retry queue, the
// sync lease, and the status reporter. Everything here is clock- and
// store-injected so the quota and queue invariants can be tested with
// fixed time and in-memory fakes.
package engine

import (
	"time"

	"github.com/stridemirror/stridemirror/internal/core"
)

// ShortWindowDuration is the upstream's rolling short quota horizon.
const ShortWindowDuration = 15 * time.Minute

// windowRule is one quota horizon's rollover arithmetic. Both horizons
// share a single rollover algorithm; only the boundary math and which
// persisted fields they touch differ.
type windowRule struct {
	kind core.WindowKind

	// expiresAt returns when the window that began at start ends.
	expiresAt func(start time.Time) time.Time
	// startFor returns the start of the window containing now.
	startFor func(now time.Time) time.Time

	count     func(*core.RateLimitStatus) *int
	start     func(*core.RateLimitStatus) *time.Time
	lastReset func(*core.RateLimitStatus) *time.Time
}

var shortRule = windowRule{
	kind: core.WindowShort,
	expiresAt: func(start time.Time) time.Time {
		return start.Add(ShortWindowDuration)
	},
	// The short window is rolling: a fresh window starts at the moment
	// of the first attempt after expiry, not on a fixed grid.
	startFor:  func(now time.Time) time.Time { return now },
	count:     func(st *core.RateLimitStatus) *int { return &st.Count15Min },
	start:     func(st *core.RateLimitStatus) *time.Time { return &st.WindowStart15Min },
	lastReset: func(st *core.RateLimitStatus) *time.Time { return &st.LastReset15Min },
}

var dailyRule = windowRule{
	kind: core.WindowDaily,
	expiresAt: func(start time.Time) time.Time {
		return utcDayStart(start).AddDate(0, 0, 1)
	},
	startFor:  utcDayStart,
	count:     func(st *core.RateLimitStatus) *int { return &st.CountDaily },
	start:     func(st *core.RateLimitStatus) *time.Time { return &st.WindowStartDaily },
	lastReset: func(st *core.RateLimitStatus) *time.Time { return &st.LastResetDaily },
}

var windowRules = []windowRule{shortRule, dailyRule}

// expired reports whether the rule's window in st has ended at now. An
// unstarted window counts as expired so the first attempt opens it.
func (r windowRule) expired(st *core.RateLimitStatus, now time.Time) bool {
	start := *r.start(st)
	return start.IsZero() || !now.Before(r.expiresAt(start))
}

// rollover resets the rule's window in st if it has expired. The count
// is zeroed exactly once per boundary crossing regardless of how many
// windows elapsed idle in between. Reconciliation against the
// upstream's reported usage happens separately, after the reset.
func (r windowRule) rollover(st *core.RateLimitStatus, now time.Time) bool {
	if !r.expired(st, now) {
		return false
	}
	*r.count(st) = 0
	*r.start(st) = r.startFor(now).UTC()
	*r.lastReset(st) = now.UTC()
	return true
}

// retryAfter returns how long until the rule's window in st rolls over.
func (r windowRule) retryAfter(st *core.RateLimitStatus, now time.Time) time.Duration {
	start := *r.start(st)
	if start.IsZero() {
		return 0
	}
	remaining := r.expiresAt(start).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// view renders the rule's window as rolled over at now, without
// mutating persisted state.
func (r windowRule) view(st *core.RateLimitStatus, now time.Time, limit int) core.QuotaWindow {
	rolled := *st
	r.rollover(&rolled, now)
	start := *r.start(&rolled)
	return core.QuotaWindow{
		Kind:        r.kind,
		Count:       *r.count(&rolled),
		Limit:       limit,
		WindowStart: start,
		Duration:    r.expiresAt(start).Sub(start),
	}
}

func utcDayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
