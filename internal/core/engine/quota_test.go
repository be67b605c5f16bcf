package engine

import (
	"context"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/telemetry"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/stretchr/testify/require"

	"github.com/stridemirror/stridemirror/internal/core"
	"github.com/stridemirror/stridemirror/internal/metrics"
	"github.com/stridemirror/stridemirror/internal/observability"
)

const testAccount = "acct-1"

func newTestTracker(clock *fakeClock, store *fakeQuotaStore) *Tracker {
	return &Tracker{
		Store:      store,
		Limit15Min: 150,
		LimitDaily: 5000,
		Clock:      clock.Now,
	}
}

func TestCheckAdmissionAllowsUnderLimit(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	tracker := newTestTracker(clock, newFakeQuotaStore())

	admission, err := tracker.CheckAdmission(context.Background(), testAccount)
	require.NoError(t, err)
	require.True(t, admission.Allowed)
	require.Zero(t, admission.RetryAfter)
}

func TestCheckAdmissionDeniedAtShortLimit(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	tracker := newTestTracker(clock, newFakeQuotaStore())
	tracker.Limit15Min = 3

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, tracker.RecordAttempt(ctx, testAccount, core.OutcomeSuccess, nil))
	}

	// Exactly limit attempts in an unexpired window denies.
	clock.Advance(5 * time.Minute)
	admission, err := tracker.CheckAdmission(ctx, testAccount)
	require.NoError(t, err)
	require.False(t, admission.Allowed)
	require.Equal(t, 10*time.Minute, admission.RetryAfter)

	// Past the window boundary the count rolls over and admission opens.
	clock.Advance(10*time.Minute + time.Second)
	admission, err = tracker.CheckAdmission(ctx, testAccount)
	require.NoError(t, err)
	require.True(t, admission.Allowed)
}

func TestShortWindowResetsOnceAcrossIdleGap(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	store := newFakeQuotaStore()
	tracker := newTestTracker(clock, store)

	ctx := context.Background()
	require.NoError(t, tracker.RecordAttempt(ctx, testAccount, core.OutcomeSuccess, nil))

	// Several whole windows elapse idle; the next attempt opens a fresh
	// window counting from 1, not from some multiple-reset artifact.
	clock.Advance(50 * time.Minute)
	require.NoError(t, tracker.RecordAttempt(ctx, testAccount, core.OutcomeSuccess, nil))

	status, err := store.GetRateLimitStatus(ctx, testAccount)
	require.NoError(t, err)
	require.Equal(t, 1, status.Count15Min)
	require.Equal(t, clock.Now(), status.WindowStart15Min)
	require.Equal(t, clock.Now(), status.LastReset15Min)
}

func TestDailyWindowResetsAtUTCMidnight(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC))
	tracker := newTestTracker(clock, newFakeQuotaStore())
	tracker.LimitDaily = 2

	ctx := context.Background()
	require.NoError(t, tracker.RecordAttempt(ctx, testAccount, core.OutcomeSuccess, nil))
	require.NoError(t, tracker.RecordAttempt(ctx, testAccount, core.OutcomeSuccess, nil))

	admission, err := tracker.CheckAdmission(ctx, testAccount)
	require.NoError(t, err)
	require.False(t, admission.Allowed)
	require.Equal(t, time.Minute, admission.RetryAfter)

	clock.Advance(2 * time.Minute)
	admission, err = tracker.CheckAdmission(ctx, testAccount)
	require.NoError(t, err)
	require.True(t, admission.Allowed)
}

func TestRecordAttemptReconcilesUpwardOnly(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	store := newFakeQuotaStore()
	tracker := newTestTracker(clock, store)

	ctx := context.Background()
	require.NoError(t, tracker.RecordAttempt(ctx, testAccount, core.OutcomeSuccess,
		&core.UpstreamQuota{Used15Min: 12, UsedDaily: 340}))

	status, err := store.GetRateLimitStatus(ctx, testAccount)
	require.NoError(t, err)
	require.Equal(t, 12, status.Count15Min)
	require.Equal(t, 340, status.CountDaily)

	// A lower upstream report never moves counts downward.
	require.NoError(t, tracker.RecordAttempt(ctx, testAccount, core.OutcomeSuccess,
		&core.UpstreamQuota{Used15Min: 2, UsedDaily: 3}))

	status, err = store.GetRateLimitStatus(ctx, testAccount)
	require.NoError(t, err)
	require.Equal(t, 13, status.Count15Min)
	require.Equal(t, 341, status.CountDaily)
}

func TestOverLimitReportClampsToDenied(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	tracker := newTestTracker(clock, newFakeQuotaStore())

	ctx := context.Background()
	// Another consumer of the shared account pushed usage past our limit.
	require.NoError(t, tracker.RecordAttempt(ctx, testAccount, core.OutcomeQuotaRejected,
		&core.UpstreamQuota{Used15Min: 200, UsedDaily: 6000}))

	admission, err := tracker.CheckAdmission(ctx, testAccount)
	require.NoError(t, err)
	require.False(t, admission.Allowed)
}

func TestRecordAttemptRetriesVersionConflicts(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	store := newFakeQuotaStore()
	store.conflicts = 2
	tracker := newTestTracker(clock, store)

	ctx := context.Background()
	require.NoError(t, tracker.RecordAttempt(ctx, testAccount, core.OutcomeSuccess, nil))

	status, err := store.GetRateLimitStatus(ctx, testAccount)
	require.NoError(t, err)
	require.Equal(t, 1, status.Count15Min)
}

func TestRecordAttemptGivesUpAfterBoundedConflicts(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	store := newFakeQuotaStore()
	store.conflicts = casRetries + 1
	tracker := newTestTracker(clock, store)

	err := tracker.RecordAttempt(context.Background(), testAccount, core.OutcomeSuccess, nil)
	require.ErrorIs(t, err, core.ErrVersionConflict)
}

func TestSafetyMarginShrinksEffectiveLimit(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	tracker := newTestTracker(clock, newFakeQuotaStore())
	tracker.Limit15Min = 10
	tracker.Margin = 0.5

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, tracker.RecordAttempt(ctx, testAccount, core.OutcomeSuccess, nil))
	}

	admission, err := tracker.CheckAdmission(ctx, testAccount)
	require.NoError(t, err)
	require.False(t, admission.Allowed)
}

func setupTelemetry(t *testing.T) *telemetrytesting.FakeCollector {
	t.Helper()

	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: collector})
	require.NoError(t, err)

	original := observability.TelemetrySystem
	observability.TelemetrySystem = sys
	t.Cleanup(func() { observability.TelemetrySystem = original })

	return collector
}

func TestCheckAdmissionEmitsQuotaMetrics(t *testing.T) {
	collector := setupTelemetry(t)

	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	tracker := newTestTracker(clock, newFakeQuotaStore())
	tracker.Limit15Min = 1

	ctx := context.Background()
	require.NoError(t, tracker.RecordAttempt(ctx, testAccount, core.OutcomeSuccess, nil))

	admission, err := tracker.CheckAdmission(ctx, testAccount)
	require.NoError(t, err)
	require.False(t, admission.Allowed)

	// Both window gauges refresh on every admission check; the denial
	// counter moves only when a window blocks.
	require.Greater(t, collector.CountMetricsByName(metrics.QuotaWindowCount), 0,
		"expected %s gauge to be emitted", metrics.QuotaWindowCount)
	require.Greater(t, collector.CountMetricsByName(metrics.QuotaWindowLimit), 0,
		"expected %s gauge to be emitted", metrics.QuotaWindowLimit)
	require.Greater(t, collector.CountMetricsByName(metrics.QuotaDenialsTotal), 0,
		"expected %s counter to be emitted on denial", metrics.QuotaDenialsTotal)
}

func TestWindowsMatchAdmissionView(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	tracker := newTestTracker(clock, newFakeQuotaStore())
	tracker.Limit15Min = 2

	ctx := context.Background()
	require.NoError(t, tracker.RecordAttempt(ctx, testAccount, core.OutcomeSuccess, nil))
	require.NoError(t, tracker.RecordAttempt(ctx, testAccount, core.OutcomeSuccess, nil))

	windows, _, err := tracker.Windows(ctx, testAccount)
	require.NoError(t, err)
	require.Len(t, windows, 2)
	require.Equal(t, core.WindowShort, windows[0].Kind)
	require.Equal(t, 2, windows[0].Count)
	require.Equal(t, 2, windows[0].Limit)

	// The report shows the window full exactly when admission denies.
	admission, err := tracker.CheckAdmission(ctx, testAccount)
	require.NoError(t, err)
	require.False(t, admission.Allowed)

	clock.Advance(ShortWindowDuration + time.Second)
	windows, _, err = tracker.Windows(ctx, testAccount)
	require.NoError(t, err)
	require.Zero(t, windows[0].Count)
}
