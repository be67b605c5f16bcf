package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stridemirror/stridemirror/internal/core"
)

// DepthReader reports queue depth per lifecycle state.
type DepthReader interface {
	QueueDepth(ctx context.Context, accountID string) (*core.QueueDepth, error)
}

// Report is the externally visible sync status: both quota windows as
// currently admitted against, queue depth, and whether a gather cycle
// is running for the queried user.
type Report struct {
	AccountID        string          `json:"accountId"`
	Count15Min       int             `json:"apiCallCount15Min"`
	CountDaily       int             `json:"apiCallCountDaily"`
	Limit15Min       int             `json:"apiCallLimit15Min"`
	LimitDaily       int             `json:"apiCallLimitDaily"`
	WindowStart15Min time.Time       `json:"windowStart15Min"`
	WindowStartDaily time.Time       `json:"windowStartDaily"`
	LastReset15Min   time.Time       `json:"lastReset15Min"`
	LastResetDaily   time.Time       `json:"lastResetDaily"`
	SyncRunning      bool            `json:"syncRunning"`
	Queue            core.QueueDepth `json:"queue"`
}

// Reporter renders read-only status. The window counts it reports come
// from the same lazily rolled-over view CheckAdmission uses, so status
// and admission can never disagree about whether quota remains.
type Reporter struct {
	Quota  *Tracker
	Leases *LeaseManager
	Depths DepthReader
}

// Report builds the status for an account, optionally marking whether
// the given user's gather lease is currently held. Does not write.
func (r *Reporter) Report(ctx context.Context, accountID, userID string) (*Report, error) {
	if r == nil || r.Quota == nil {
		return nil, errors.New("status reporter is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errors.New("account id is required")
	}

	windows, status, err := r.Quota.Windows(ctx, accountID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		AccountID:      accountID,
		LastReset15Min: status.LastReset15Min,
		LastResetDaily: status.LastResetDaily,
	}
	for _, window := range windows {
		switch window.Kind {
		case core.WindowShort:
			report.Count15Min = window.Count
			report.Limit15Min = window.Limit
			report.WindowStart15Min = window.WindowStart
		case core.WindowDaily:
			report.CountDaily = window.Count
			report.LimitDaily = window.Limit
			report.WindowStartDaily = window.WindowStart
		}
	}

	if r.Depths != nil {
		depth, err := r.Depths.QueueDepth(ctx, accountID)
		if err != nil {
			return nil, err
		}
		report.Queue = *depth
	}

	if r.Leases != nil && strings.TrimSpace(userID) != "" {
		held, err := r.Leases.Held(ctx, UserScope(userID))
		if err != nil {
			return nil, err
		}
		report.SyncRunning = held
	}

	return report, nil
}
