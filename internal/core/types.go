package core

import (
	"encoding/json"
	"time"
)

// WindowKind identifies one of the two upstream quota horizons.
type WindowKind string

const (
	WindowShort WindowKind = "15min"
	WindowDaily WindowKind = "daily"
)

// QuotaWindow is the lazily rolled-over view of one quota horizon.
type QuotaWindow struct {
	Kind        WindowKind    `json:"kind"`
	Count       int           `json:"count"`
	Limit       int           `json:"limit"`
	WindowStart time.Time     `json:"window_start"`
	Duration    time.Duration `json:"duration"`
}

// RateLimitStatus is the persisted quota state for one upstream account.
// There is exactly one row per account; it is created lazily with zero
// counts and never deleted. Version backs the store's compare-and-swap.
type RateLimitStatus struct {
	AccountID        string    `json:"account_id"`
	Count15Min       int       `json:"api_call_count_15min"`
	CountDaily       int       `json:"api_call_count_daily"`
	WindowStart15Min time.Time `json:"window_start_15min"`
	WindowStartDaily time.Time `json:"window_start_daily"`
	LastReset15Min   time.Time `json:"last_reset_15min"`
	LastResetDaily   time.Time `json:"last_reset_daily"`
	Version          int64     `json:"-"`
}

// UpstreamQuota carries the upstream's own authoritative usage report,
// parsed from its rate-limit response headers.
type UpstreamQuota struct {
	Used15Min int `json:"used_15min"`
	UsedDaily int `json:"used_daily"`
}

// AttemptOutcome classifies an upstream call attempt for quota accounting.
// Every attempt is counted, including ones the upstream itself rejected.
type AttemptOutcome int

const (
	OutcomeSuccess AttemptOutcome = iota
	OutcomeQuotaRejected
	OutcomeError
)

// QueueReason records why a fetch was deferred into the retry queue.
type QueueReason string

const (
	// ReasonNonFull marks a continuation for a page the upstream reported
	// as incomplete.
	ReasonNonFull QueueReason = "non_full"
	// ReasonQuotaDeferred marks work that was in progress when admission
	// was denied. Drained before non-full continuations.
	ReasonQuotaDeferred QueueReason = "quota_deferred"
)

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueInFlight QueueStatus = "in_flight"
	QueueDone     QueueStatus = "done"
	QueueFailed   QueueStatus = "failed"
)

// QueueEntry is one durable unit of deferred fetch work.
type QueueEntry struct {
	ID         string      `json:"id"`
	AccountID  string      `json:"account_id"`
	UserID     string      `json:"user_id"`
	Cursor     string      `json:"cursor"`
	Reason     QueueReason `json:"reason"`
	Status     QueueStatus `json:"status"`
	Attempts   int         `json:"attempts"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	LastError  string      `json:"last_error,omitempty"`
}

// SyncLease guards against duplicate gather cycles for the same scope.
// An expired lease is stealable, which covers crash recovery.
type SyncLease struct {
	Scope      string    `json:"scope"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Activity is one mirrored activity record. The payload is opaque to the
// sync core; only the identifier is interpreted.
type Activity struct {
	ID  string          `json:"id"`
	Raw json.RawMessage `json:"raw,omitempty"`
}

// GatherState is the terminal state of a gather cycle.
type GatherState string

const (
	GatherCompleted    GatherState = "completed"
	GatherQuotaBlocked GatherState = "quota_blocked"
	GatherFailed       GatherState = "failed"
)

// GatherSummary reports what a gather cycle accomplished.
type GatherSummary struct {
	State      GatherState   `json:"state"`
	Pages      int           `json:"pages"`
	Stored     int           `json:"stored"`
	Enqueued   int           `json:"enqueued"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// QueueDepth summarizes pending work per lifecycle state.
type QueueDepth struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
}
