package output

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stridemirror/stridemirror/internal/core"
	"github.com/stridemirror/stridemirror/internal/core/engine"
)

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("table")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	_, err = ParseFormat("csv")
	require.Error(t, err)
}

func sampleReport() *engine.Report {
	return &engine.Report{
		AccountID:        "acct-1",
		Count15Min:       12,
		CountDaily:       340,
		Limit15Min:       150,
		LimitDaily:       5000,
		WindowStart15Min: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		WindowStartDaily: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		LastReset15Min:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		LastResetDaily:   time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		SyncRunning:      true,
		Queue:            core.QueueDepth{Pending: 2, Failed: 1},
	}
}

func TestFormatReport(t *testing.T) {
	report := sampleReport()

	tableRendered, err := NewFormatter(FormatTable).FormatReport(report)
	require.NoError(t, err)
	require.Contains(t, tableRendered, "WINDOW")
	require.Contains(t, tableRendered, "12/150")
	require.Contains(t, tableRendered, "340/5000")
	require.Contains(t, tableRendered, "sync running")

	jsonRendered, err := NewFormatter(FormatJSON).FormatReport(report)
	require.NoError(t, err)
	require.Contains(t, jsonRendered, "\"accountId\": \"acct-1\"")
	require.Contains(t, jsonRendered, "\"apiCallCount15Min\": 12")

	markdownRendered, err := NewFormatter(FormatMarkdown).FormatReport(report)
	require.NoError(t, err)
	require.Contains(t, markdownRendered, "## Rate limit status for acct-1")
	require.Contains(t, markdownRendered, "| 15 min | 12/150 |")
	require.Contains(t, markdownRendered, "**Sync**: running")
}

func TestFormatQueue(t *testing.T) {
	entries := []*core.QueueEntry{
		{
			ID:         "q-1",
			UserID:     "runner-7",
			Cursor:     "c2",
			Reason:     core.ReasonQuotaDeferred,
			Status:     core.QueuePending,
			Attempts:   1,
			EnqueuedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			ID:        "q-2",
			UserID:    "runner-7",
			Cursor:    "",
			Reason:    core.ReasonNonFull,
			Status:    core.QueueFailed,
			Attempts:  5,
			LastError: "activities fetch failed: upstream returned status 502",
		},
	}

	tableRendered, err := NewFormatter(FormatTable).FormatQueue("runner-7", entries)
	require.NoError(t, err)
	require.Contains(t, tableRendered, "quota_deferred")
	require.Contains(t, tableRendered, "(start)")
	require.Contains(t, tableRendered, "2 entries")

	markdownRendered, err := NewFormatter(FormatMarkdown).FormatQueue("runner-7", entries)
	require.NoError(t, err)
	require.Contains(t, markdownRendered, "## Retry queue for runner-7")
	require.Contains(t, markdownRendered, "| c2 | quota_deferred |")
	require.Contains(t, markdownRendered, "**Entries**: 2")

	jsonRendered, err := NewFormatter(FormatJSON).FormatQueue("runner-7", nil)
	require.NoError(t, err)
	require.Contains(t, jsonRendered, "\"entries\": []")
}

func TestFormatGather(t *testing.T) {
	summary := &core.GatherSummary{
		State:      core.GatherQuotaBlocked,
		Pages:      3,
		Stored:     120,
		Enqueued:   1,
		RetryAfter: 10 * time.Minute,
	}

	tableRendered, err := NewFormatter(FormatTable).FormatGather("runner-7", summary)
	require.NoError(t, err)
	require.Contains(t, tableRendered, "quota blocked")
	require.Contains(t, tableRendered, "10m0s")

	markdownRendered, err := NewFormatter(FormatMarkdown).FormatGather("runner-7", summary)
	require.NoError(t, err)
	require.Contains(t, markdownRendered, "- State: quota blocked")
	require.Contains(t, markdownRendered, "- Retry after: 10m0s")
}

func TestFormatDrain(t *testing.T) {
	summary := &engine.DrainSummary{
		Claimed:    4,
		Done:       2,
		Reverted:   2,
		Stopped:    true,
		RetryAfter: 45 * time.Second,
	}

	tableRendered, err := NewFormatter(FormatTable).FormatDrain("runner-7", summary)
	require.NoError(t, err)
	require.Contains(t, tableRendered, "yes (retry in 45s)")

	markdownRendered, err := NewFormatter(FormatMarkdown).FormatDrain("runner-7", summary)
	require.NoError(t, err)
	require.Contains(t, markdownRendered, "- Stopped by quota, retry in 45s")
}

func TestMarkdownEscaping(t *testing.T) {
	entries := []*core.QueueEntry{
		{Cursor: "a|b", Reason: core.ReasonNonFull, Status: core.QueuePending},
	}

	rendered, err := NewFormatter(FormatMarkdown).FormatQueue("runner|7", entries)
	require.NoError(t, err)
	require.Contains(t, rendered, "runner\\|7")
	require.Contains(t, rendered, "a\\|b")
}

func TestTruncateError(t *testing.T) {
	require.Equal(t, "-", truncateError("  ", 10))
	require.Equal(t, "short", truncateError("short", 10))
	require.Equal(t, "0123456...", truncateError("0123456789abcdef", 10))
}
