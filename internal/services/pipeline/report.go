package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dhis2submit/internal/failure"
	"dhis2submit/internal/services/submission"
)

// Run statuses
const (
	StatusSuccess   = "success"   // Every record accepted
	StatusPartial   = "partial"   // Some records failed
	StatusFailed    = "failed"    // Every record failed
	StatusAborted   = "aborted"   // A fatal error stopped the run
	StatusCancelled = "cancelled" // Cancelled before every record was resolved
)

// RunLevel marks entries that do not belong to a single record
const RunLevel = -1

// Entry is one failure or warning with its identifying context
type Entry struct {
	Record     int          `json:"record"`
	Label      string       `json:"label,omitempty"`
	Kind       failure.Kind `json:"kind"`
	StatusCode int          `json:"status_code,omitempty"`
	Cause      string       `json:"cause"`
}

func (e Entry) String() string {
	var where []string
	if e.Record != RunLevel {
		where = append(where, fmt.Sprintf("record %d", e.Record))
	}
	if e.Label != "" {
		where = append(where, fmt.Sprintf("label %q", e.Label))
	}
	if e.StatusCode != 0 {
		where = append(where, fmt.Sprintf("HTTP %d", e.StatusCode))
	}

	prefix := string(e.Kind)
	if len(where) > 0 {
		prefix += " (" + strings.Join(where, ", ") + ")"
	}
	return prefix + ": " + e.Cause
}

// Report is the outcome of one pipeline run
type Report struct {
	RunID         string                   `json:"run_id"`
	DatasetID     string                   `json:"dataset_id"`
	Period        string                   `json:"period"`
	OrgUnit       string                   `json:"org_unit"`
	MappingSource string                   `json:"mapping_source"`
	SourceFile    string                   `json:"source_file"`
	StartedAt     time.Time                `json:"started_at"`
	FinishedAt    time.Time                `json:"finished_at"`
	Records       int                      `json:"records"`   // Records whose submission was resolved
	Cancelled     bool                     `json:"cancelled"` // Records were left unsubmitted or a retry was cut short
	Stats         submission.RunStatistics `json:"stats"`     // Per attempt, including retries
	Failures      []Entry                  `json:"failures"`
	Warnings      []Entry                  `json:"warnings"`
	Err           error                    `json:"-"`
}

// Status summarizes the run in one word. It counts records, not
// attempts: a record accepted on retry is a success.
func (r *Report) Status() string {
	switch {
	case r.Err != nil:
		return StatusAborted
	case r.Cancelled:
		return StatusCancelled
	case len(r.Failures) == 0:
		return StatusSuccess
	case len(r.Failures) >= r.Records:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// Duration returns the wall time of the run
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary renders the user-visible completion report
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "status=%s records=%d attempted=%d succeeded=%d failed=%d",
		r.Status(), r.Records, r.Stats.Attempted, r.Stats.Succeeded, r.Stats.Failed)
	for _, f := range r.Failures {
		b.WriteString("\n  ")
		b.WriteString(f.String())
	}
	if len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "\nwarnings=%d", len(r.Warnings))
		for _, w := range r.Warnings {
			b.WriteString("\n  ")
			b.WriteString(w.String())
		}
	}
	return b.String()
}

func (r *Report) addFailure(e Entry) {
	r.Failures = append(r.Failures, e)
}

func (r *Report) addWarning(e Entry) {
	r.Warnings = append(r.Warnings, e)
}

// abort records the fatal error that stopped the run
func (r *Report) abort(record int, err error) {
	r.Err = err
	r.addFailure(entryFor(record, "", err))
}

func entryFor(record int, label string, err error) Entry {
	e := Entry{Record: record, Label: label, Cause: err.Error()}
	var fe *failure.Error
	if errors.As(err, &fe) {
		e.Kind = fe.Kind
		if fe.Err != nil {
			e.Cause = fe.Err.Error()
			if fe.Context != "" {
				e.Cause = fe.Context + ": " + e.Cause
			}
		}
	}
	return e
}
