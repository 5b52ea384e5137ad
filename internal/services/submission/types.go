package submission

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"dhis2submit/internal/failure"
)

// Outcome is the classified result of one submission attempt
type Outcome struct {
	Success    bool
	StatusCode int          // 0 when no response was received
	Body       string       // Raw response body, kept for diagnostics
	Kind       failure.Kind // Empty on success
	Retryable  bool
	Attempts   int
	Err        error
}

// ImportSummary represents the result of a DHIS2 import operation
type ImportSummary struct {
	Status      string           `json:"status"` // SUCCESS, WARNING, ERROR
	Description string           `json:"description"`
	ImportCount ImportCount      `json:"importCount"`
	Conflicts   []ImportConflict `json:"conflicts,omitempty"`
}

// ImportCount tracks imported/updated/ignored counts
type ImportCount struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Ignored  int `json:"ignored"`
	Deleted  int `json:"deleted"`
}

// ImportConflict represents a conflict during import
type ImportConflict struct {
	Object    string `json:"object"`
	Value     string `json:"value"`
	ErrorCode string `json:"errorCode"`
}

// webMessage is the envelope newer DHIS2 versions wrap import summaries in
type webMessage struct {
	Status   string         `json:"status"`
	Message  string         `json:"message"`
	Response *ImportSummary `json:"response"`
}

var importCountsPattern = regexp.MustCompile(`(\d+)\s+created,\s+(\d+)\s+updated,\s+(\d+)\s+deleted,\s+(\d+)\s+ignored`)

// ImportSummary decodes the response body as a DHIS2 import summary.
// It is used for diagnostics only and never drives classification.
func (o Outcome) ImportSummary() (*ImportSummary, bool) {
	body := strings.TrimSpace(o.Body)
	if body == "" || body[0] != '{' {
		return nil, false
	}

	var msg webMessage
	if err := json.Unmarshal([]byte(body), &msg); err == nil && msg.Response != nil && msg.Response.Status != "" {
		summary := msg.Response
		if summary.ImportCount == (ImportCount{}) {
			if counts, err := parseImportMessageCounts(msg.Message); err == nil {
				summary.ImportCount = *counts
			}
		}
		return summary, true
	}

	var summary ImportSummary
	if err := json.Unmarshal([]byte(body), &summary); err != nil || summary.Status == "" {
		return nil, false
	}
	return &summary, true
}

// formatConflicts renders the first conflicts of an import summary
func formatConflicts(summary *ImportSummary) string {
	if summary == nil || len(summary.Conflicts) == 0 {
		return ""
	}

	var details []string
	for i, conflict := range summary.Conflicts {
		if i >= 10 {
			details = append(details, fmt.Sprintf("  ... and %d more conflicts", len(summary.Conflicts)-10))
			break
		}
		details = append(details, fmt.Sprintf("  - %s: %s (code: %s)", conflict.Object, conflict.Value, conflict.ErrorCode))
	}

	return fmt.Sprintf("Import conflicts (%d total):\n%s", len(summary.Conflicts), strings.Join(details, "\n"))
}

// parseImportMessageCounts extracts import counts from DHIS2 message strings
// Example: "Import complete with status SUCCESS, 0 created, 0 updated, 0 deleted, 328 ignored"
func parseImportMessageCounts(message string) (*ImportCount, error) {
	if message == "" {
		return nil, fmt.Errorf("empty message")
	}

	matches := importCountsPattern.FindStringSubmatch(message)
	if len(matches) != 5 {
		return nil, fmt.Errorf("could not parse import counts from message: %s", message)
	}

	created, _ := strconv.Atoi(matches[1])
	updated, _ := strconv.Atoi(matches[2])
	deleted, _ := strconv.Atoi(matches[3])
	ignored, _ := strconv.Atoi(matches[4])

	return &ImportCount{
		Imported: created,
		Updated:  updated,
		Deleted:  deleted,
		Ignored:  ignored,
	}, nil
}

// RunStatistics is a snapshot of the per-run submission counters
type RunStatistics struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// tally accumulates RunStatistics; safe for concurrent use
type tally struct {
	mu    sync.Mutex
	stats RunStatistics
}

func (t *tally) record(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.Attempted++
	if success {
		t.stats.Succeeded++
	} else {
		t.stats.Failed++
	}
}

func (t *tally) snapshot() RunStatistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
