package output

import (
	"fmt"
	"strings"

	"github.com/stridemirror/stridemirror/internal/core"
	"github.com/stridemirror/stridemirror/internal/core/engine"
)

// MarkdownFormatter renders results as markdown tables.
type MarkdownFormatter struct{}

// FormatReport renders the quota status report as Markdown.
func (f *MarkdownFormatter) FormatReport(report *engine.Report) (string, error) {
	if report == nil {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Rate limit status for %s\n\n", escapeMarkdownCell(report.AccountID)))
	sb.WriteString("| Window | Used | Window Start | Last Reset |\n")
	sb.WriteString("|--------|------|--------------|------------|\n")
	sb.WriteString(fmt.Sprintf("| 15 min | %s | %s | %s |\n",
		formatWindowUsage(report.Count15Min, report.Limit15Min),
		formatTimestamp(report.WindowStart15Min),
		formatTimestamp(report.LastReset15Min),
	))
	sb.WriteString(fmt.Sprintf("| daily | %s | %s | %s |\n",
		formatWindowUsage(report.CountDaily, report.LimitDaily),
		formatTimestamp(report.WindowStartDaily),
		formatTimestamp(report.LastResetDaily),
	))

	syncState := "idle"
	if report.SyncRunning {
		syncState = "running"
	}
	sb.WriteString(fmt.Sprintf("\n**Sync**: %s, queue %d pending, %d in flight, %d failed\n",
		syncState, report.Queue.Pending, report.Queue.InFlight, report.Queue.Failed))

	return sb.String(), nil
}

// FormatQueue renders queue entries as Markdown.
func (f *MarkdownFormatter) FormatQueue(userID string, entries []*core.QueueEntry) (string, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Retry queue for %s\n\n", escapeMarkdownCell(userID)))
	sb.WriteString("| Cursor | Reason | Status | Attempts | Enqueued | Last Error |\n")
	sb.WriteString("|--------|--------|--------|----------|----------|------------|\n")

	for _, entry := range entries {
		if entry == nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %d | %s | %s |\n",
			escapeMarkdownCell(cursorLabel(entry.Cursor)),
			escapeMarkdownCell(string(entry.Reason)),
			escapeMarkdownCell(queueStatusLabel(entry.Status)),
			entry.Attempts,
			formatTimestamp(entry.EnqueuedAt),
			escapeMarkdownCell(truncateError(entry.LastError, 48)),
		))
	}

	sb.WriteString(fmt.Sprintf("\n**Entries**: %d\n", len(entries)))
	return sb.String(), nil
}

// FormatGather renders a gather cycle summary as Markdown.
func (f *MarkdownFormatter) FormatGather(userID string, summary *core.GatherSummary) (string, error) {
	if summary == nil {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Gather cycle for %s\n\n", escapeMarkdownCell(userID)))
	sb.WriteString(fmt.Sprintf("- State: %s\n", gatherStateLabel(summary.State)))
	sb.WriteString(fmt.Sprintf("- Pages fetched: %d\n", summary.Pages))
	sb.WriteString(fmt.Sprintf("- Activities stored: %d\n", summary.Stored))
	sb.WriteString(fmt.Sprintf("- Work deferred: %d\n", summary.Enqueued))
	if summary.RetryAfter > 0 {
		sb.WriteString(fmt.Sprintf("- Retry after: %s\n", summary.RetryAfter))
	}

	return sb.String(), nil
}

// FormatDrain renders a drain pass summary as Markdown.
func (f *MarkdownFormatter) FormatDrain(userID string, summary *engine.DrainSummary) (string, error) {
	if summary == nil {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Drain pass for %s\n\n", escapeMarkdownCell(userID)))
	sb.WriteString(fmt.Sprintf("- Claimed: %d\n", summary.Claimed))
	sb.WriteString(fmt.Sprintf("- Done: %d\n", summary.Done))
	sb.WriteString(fmt.Sprintf("- Requeued: %d\n", summary.Requeued))
	sb.WriteString(fmt.Sprintf("- Failed: %d\n", summary.Failed))
	sb.WriteString(fmt.Sprintf("- Reverted: %d\n", summary.Reverted))
	if summary.Stopped {
		if summary.RetryAfter > 0 {
			sb.WriteString(fmt.Sprintf("- Stopped by quota, retry in %s\n", summary.RetryAfter))
		} else {
			sb.WriteString("- Stopped by quota\n")
		}
	}

	return sb.String(), nil
}

func escapeMarkdownCell(value string) string {
	return strings.ReplaceAll(value, "|", "\\|")
}
