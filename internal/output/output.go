package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/stridemirror/stridemirror/internal/core"
	"github.com/stridemirror/stridemirror/internal/core/engine"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Formatter renders sync results for the CLI.
type Formatter interface {
	FormatReport(report *engine.Report) (string, error)
	FormatQueue(userID string, entries []*core.QueueEntry) (string, error)
	FormatGather(userID string, summary *core.GatherSummary) (string, error)
	FormatDrain(userID string, summary *engine.DrainSummary) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown):
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.UTC().Format(time.RFC3339)
}

func formatWindowUsage(count, limit int) string {
	return fmt.Sprintf("%d/%d", count, limit)
}

func gatherStateLabel(state core.GatherState) string {
	switch state {
	case core.GatherCompleted:
		return "completed"
	case core.GatherQuotaBlocked:
		return "quota blocked"
	case core.GatherFailed:
		return "failed"
	default:
		return string(state)
	}
}

func queueStatusLabel(status core.QueueStatus) string {
	switch status {
	case core.QueueInFlight:
		return "in flight"
	default:
		return string(status)
	}
}

func cursorLabel(cursor string) string {
	if cursor == "" {
		return "(start)"
	}
	return cursor
}

func truncateError(message string, limit int) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return "-"
	}
	if len(message) <= limit {
		return message
	}
	return message[:limit-3] + "..."
}
