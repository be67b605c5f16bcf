package output

import (
	"encoding/json"

	"github.com/stridemirror/stridemirror/internal/core"
	"github.com/stridemirror/stridemirror/internal/core/engine"
)

// JSONFormatter renders results as JSON.
type JSONFormatter struct {
	Indent bool
}

func (f *JSONFormatter) marshal(value interface{}) (string, error) {
	var (
		data []byte
		err  error
	)
	if f.Indent {
		data, err = json.MarshalIndent(value, "", "  ")
	} else {
		data, err = json.Marshal(value)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FormatReport renders the quota status report as JSON.
func (f *JSONFormatter) FormatReport(report *engine.Report) (string, error) {
	if report == nil {
		return "", nil
	}
	return f.marshal(report)
}

// FormatQueue renders queue entries as JSON.
func (f *JSONFormatter) FormatQueue(userID string, entries []*core.QueueEntry) (string, error) {
	if entries == nil {
		entries = []*core.QueueEntry{}
	}
	return f.marshal(map[string]interface{}{
		"user_id": userID,
		"entries": entries,
		"count":   len(entries),
	})
}

// FormatGather renders a gather cycle summary as JSON.
func (f *JSONFormatter) FormatGather(userID string, summary *core.GatherSummary) (string, error) {
	if summary == nil {
		return "", nil
	}
	return f.marshal(map[string]interface{}{
		"user_id": userID,
		"gather":  summary,
	})
}

// FormatDrain renders a drain pass summary as JSON.
func (f *JSONFormatter) FormatDrain(userID string, summary *engine.DrainSummary) (string, error) {
	if summary == nil {
		return "", nil
	}
	return f.marshal(map[string]interface{}{
		"user_id": userID,
		"drain":   summary,
	})
}
