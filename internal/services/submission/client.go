package submission

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"dhis2submit/internal/api"
	"dhis2submit/internal/failure"
	"dhis2submit/internal/services/payload"
)

const dataValueSetsEndpoint = "dataValueSets"

// Client sends batches to DHIS2 and accumulates run statistics
type Client struct {
	api    *api.Client
	stats  tally
	logger *slog.Logger
}

// NewClient creates a submission client on one run's channel
func NewClient(apiClient *api.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:    apiClient,
		logger: logger,
	}
}

// Submit sends the batch with exactly one request and classifies the outcome
func (c *Client) Submit(ctx context.Context, batch *payload.Batch) Outcome {
	if batch.Degenerate() {
		c.logger.Info("Submitting batch without values to mark the period complete",
			"dataset", batch.DatasetID(),
			"period", batch.Period(),
			"org_unit", batch.OrgUnit())
	}

	resp, err := c.api.Post(ctx, dataValueSetsEndpoint, batch)

	var outcome Outcome
	if err != nil {
		outcome = Outcome{
			Kind:      failure.TransportError,
			Retryable: true,
			Err:       failure.New(failure.TransportError, batchContext(batch), err),
		}
	} else {
		outcome = classify(resp.StatusCode(), resp.String())
		if !outcome.Success {
			outcome.Err = failure.New(outcome.Kind, batchContext(batch),
				&api.StatusError{StatusCode: outcome.StatusCode, Status: resp.Status()})
		}
	}
	outcome.Attempts = 1

	c.stats.record(outcome.Success)
	c.logOutcome(batch, outcome)
	return outcome
}

// Stats returns a snapshot of the counters
func (c *Client) Stats() RunStatistics {
	return c.stats.snapshot()
}

// classify maps an HTTP status to an outcome
func classify(status int, body string) Outcome {
	outcome := Outcome{StatusCode: status, Body: body}

	switch {
	case status == http.StatusOK || status == http.StatusCreated || status == http.StatusNoContent:
		outcome.Success = true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		outcome.Kind = failure.AuthError
	case status >= 400 && status < 500:
		outcome.Kind = failure.RejectedPayload
	case status >= 500:
		outcome.Kind = failure.TransportError
		outcome.Retryable = true
	default:
		outcome.Kind = failure.RejectedPayload
	}
	return outcome
}

func batchContext(batch *payload.Batch) string {
	return fmt.Sprintf("dataset %s period %s org unit %s", batch.DatasetID(), batch.Period(), batch.OrgUnit())
}

func (c *Client) logOutcome(batch *payload.Batch, outcome Outcome) {
	attrs := []any{
		"dataset", batch.DatasetID(),
		"period", batch.Period(),
		"org_unit", batch.OrgUnit(),
		"values", batch.Len(),
		"status", outcome.StatusCode,
	}

	if summary, ok := outcome.ImportSummary(); ok {
		attrs = append(attrs,
			"import_status", summary.Status,
			"imported", summary.ImportCount.Imported,
			"updated", summary.ImportCount.Updated,
			"ignored", summary.ImportCount.Ignored)
		if conflicts := formatConflicts(summary); conflicts != "" {
			c.logger.Warn(conflicts, "dataset", batch.DatasetID(), "period", batch.Period())
		}
	}

	if outcome.Success {
		c.logger.Info("Data submitted", attrs...)
		return
	}

	attrs = append(attrs, "kind", outcome.Kind, "retryable", outcome.Retryable, "error", outcome.Err)
	if outcome.Body != "" {
		attrs = append(attrs, "body", truncate(outcome.Body, 500))
	}
	c.logger.Error("Submission failed", attrs...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
