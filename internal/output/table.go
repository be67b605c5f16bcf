package output

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/stridemirror/stridemirror/internal/core"
	"github.com/stridemirror/stridemirror/internal/core/engine"
)

// TableFormatter renders results as an ASCII table.
type TableFormatter struct{}

// FormatReport renders the quota status report as a table.
func (f *TableFormatter) FormatReport(report *engine.Report) (string, error) {
	if report == nil {
		return "", nil
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Window", "Used", "Window Start", "Last Reset"})
	t.AppendRow(table.Row{
		"15 min",
		formatWindowUsage(report.Count15Min, report.Limit15Min),
		formatTimestamp(report.WindowStart15Min),
		formatTimestamp(report.LastReset15Min),
	})
	t.AppendRow(table.Row{
		"daily",
		formatWindowUsage(report.CountDaily, report.LimitDaily),
		formatTimestamp(report.WindowStartDaily),
		formatTimestamp(report.LastResetDaily),
	})

	syncState := "idle"
	if report.SyncRunning {
		syncState = "running"
	}
	t.AppendFooter(table.Row{
		"",
		fmt.Sprintf("sync %s", syncState),
		fmt.Sprintf("queue %d pending", report.Queue.Pending),
		fmt.Sprintf("%d failed", report.Queue.Failed),
	})

	return t.Render(), nil
}

// FormatQueue renders queue entries as a table.
func (f *TableFormatter) FormatQueue(userID string, entries []*core.QueueEntry) (string, error) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Cursor", "Reason", "Status", "Attempts", "Enqueued", "Last Error"})

	for _, entry := range entries {
		if entry == nil {
			continue
		}
		t.AppendRow(table.Row{
			cursorLabel(entry.Cursor),
			string(entry.Reason),
			queueStatusLabel(entry.Status),
			entry.Attempts,
			formatTimestamp(entry.EnqueuedAt),
			truncateError(entry.LastError, 48),
		})
	}

	t.AppendFooter(table.Row{
		userID,
		"",
		"",
		"",
		fmt.Sprintf("%d entries", len(entries)),
		"",
	})

	return t.Render(), nil
}

// FormatGather renders a gather cycle summary as a table.
func (f *TableFormatter) FormatGather(userID string, summary *core.GatherSummary) (string, error) {
	if summary == nil {
		return "", nil
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"User", "State", "Pages", "Stored", "Enqueued", "Retry After"})

	retryAfter := "-"
	if summary.RetryAfter > 0 {
		retryAfter = summary.RetryAfter.String()
	}
	t.AppendRow(table.Row{
		userID,
		gatherStateLabel(summary.State),
		summary.Pages,
		summary.Stored,
		summary.Enqueued,
		retryAfter,
	})

	return t.Render(), nil
}

// FormatDrain renders a drain pass summary as a table.
func (f *TableFormatter) FormatDrain(userID string, summary *engine.DrainSummary) (string, error) {
	if summary == nil {
		return "", nil
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"User", "Claimed", "Done", "Requeued", "Failed", "Reverted", "Stopped"})

	stopped := "no"
	if summary.Stopped {
		stopped = "yes"
		if summary.RetryAfter > 0 {
			stopped = fmt.Sprintf("yes (retry in %s)", summary.RetryAfter)
		}
	}
	t.AppendRow(table.Row{
		userID,
		summary.Claimed,
		summary.Done,
		summary.Requeued,
		summary.Failed,
		summary.Reverted,
		stopped,
	})

	return t.Render(), nil
}
