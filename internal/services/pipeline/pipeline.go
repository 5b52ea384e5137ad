// Package pipeline runs one submission: probe the DHIS2 instance, obtain a
// dimension mapping, load the source file, extract and build every batch,
// then submit the batches one at a time in source order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"dhis2submit/internal/api"
	"dhis2submit/internal/failure"
	"dhis2submit/internal/mapping"
	"dhis2submit/internal/services/extract"
	"dhis2submit/internal/services/payload"
	"dhis2submit/internal/services/schema"
	"dhis2submit/internal/services/submission"
)

const defaultLoadTimeout = 30 * time.Second

// Options configures one run
type Options struct {
	API api.Config

	DatasetID  string
	OrgUnit    string
	Period     string
	PeriodType string

	SourceFile  string
	Sheet       string
	LoadTimeout time.Duration

	// Mapping, when set, replaces live resolution. MappingFile is loaded
	// when Mapping is nil.
	Mapping          mapping.Mapping
	MappingFile      string
	QualifyAmbiguous bool

	AllRows       bool
	PeriodColumn  string
	OrgUnitColumn string

	Retry        submission.RetryPolicy
	CompleteDate time.Time
}

// Service runs the submission pipeline
type Service struct {
	logger *slog.Logger
}

// NewService creates a pipeline runner
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

type pending struct {
	record int
	batch  *payload.Batch
}

// Run executes one pipeline run. The returned error is the fatal error
// that aborted the run, if any; record-level failures are only reported.
func (s *Service) Run(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{
		RunID:      uuid.New().String(),
		DatasetID:  opts.DatasetID,
		Period:     opts.Period,
		OrgUnit:    opts.OrgUnit,
		SourceFile: opts.SourceFile,
		StartedAt:  time.Now(),
		Failures:   []Entry{},
		Warnings:   []Entry{},
	}
	// schema and submission log the dataset themselves
	logger := s.logger.With("run_id", report.RunID)

	client := api.NewClient(opts.API)
	defer client.Close()
	submitter := submission.NewClient(client, logger)

	failedRecord := RunLevel
	finish := func(err error) (*Report, error) {
		report.Stats = submitter.Stats()
		report.FinishedAt = time.Now()
		if err != nil {
			report.abort(failedRecord, err)
			logger.Error("Run aborted", "dataset", opts.DatasetID, "error", err, "duration", report.Duration())
			return report, err
		}
		logger.Info("Run finished",
			"dataset", opts.DatasetID,
			"status", report.Status(),
			"records", report.Records,
			"attempted", report.Stats.Attempted,
			"succeeded", report.Stats.Succeeded,
			"failed", report.Stats.Failed,
			"duration", report.Duration())
		return report, nil
	}

	if err := probe(ctx, client, logger); err != nil {
		return finish(err)
	}

	m, source, err := s.mapping(ctx, client, opts, logger)
	if err != nil {
		return finish(err)
	}
	report.MappingSource = source

	table, err := s.load(ctx, opts)
	if err != nil {
		return finish(err)
	}
	logger.Info("Loaded source",
		"source", table.Name,
		"sheet", table.Sheet,
		"columns", len(table.Header),
		"rows", len(table.Rows))

	extractor := extract.NewService(logger)
	records := extractor.Records(table, extract.RecordOptions{
		AllRows:       opts.AllRows,
		PeriodColumn:  opts.PeriodColumn,
		OrgUnitColumn: opts.OrgUnitColumn,
		Period:        opts.Period,
		OrgUnit:       opts.OrgUnit,
	})

	batches := make([]pending, 0, len(records))
	for _, rec := range records {
		ext := extractor.Extract(rec, m)
		for _, issue := range ext.Issues {
			report.addWarning(entryFor(issue.Record, issue.Label, issue.Err))
		}

		batch, err := payload.Build(ext.Values, payload.Config{
			DatasetID:    opts.DatasetID,
			OrgUnit:      rec.OrgUnit,
			Period:       rec.Period,
			PeriodType:   opts.PeriodType,
			CompleteDate: opts.CompleteDate,
		})
		if err != nil {
			failedRecord = rec.Index
			return finish(fmt.Errorf("record %d: %w", rec.Index, err))
		}
		batches = append(batches, pending{record: rec.Index, batch: batch})
	}

	// Submit honours ctx between records and during retry backoff; a sent
	// request is always awaited to its terminal outcome
	for i, p := range batches {
		if err := ctx.Err(); err != nil {
			report.Cancelled = true
			logger.Warn("Run cancelled before remaining records", "dataset", opts.DatasetID, "remaining", len(batches)-i)
			break
		}

		outcome := submitter.SubmitWithRetry(ctx, p.batch, opts.Retry)
		report.Records++
		if !outcome.Success {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(outcome.Err, ctxErr) {
				report.Cancelled = true
			}
			e := entryFor(p.record, "", outcome.Err)
			e.StatusCode = outcome.StatusCode
			report.addFailure(e)
		}
	}

	return finish(nil)
}

// Mapping obtains the dimension mapping without submitting anything
func (s *Service) Mapping(ctx context.Context, opts Options) (mapping.Mapping, *schema.Report, error) {
	client := api.NewClient(opts.API)
	defer client.Close()

	if err := probe(ctx, client, s.logger); err != nil {
		return nil, nil, err
	}

	resolver := schema.NewService(client, schema.Options{QualifyAmbiguous: opts.QualifyAmbiguous}, s.logger)
	table, report, err := resolver.Resolve(ctx, opts.DatasetID)
	if err != nil {
		return nil, report, err
	}
	return table, report, nil
}

func (s *Service) mapping(ctx context.Context, client *api.Client, opts Options, logger *slog.Logger) (mapping.Mapping, string, error) {
	if opts.Mapping != nil {
		logger.Info("Using supplied static mapping", "entries", opts.Mapping.Len())
		return opts.Mapping, "static", nil
	}

	if opts.MappingFile != "" {
		table, err := mapping.LoadFile(opts.MappingFile)
		if err != nil {
			return nil, "", failure.New(failure.SchemaUnavailable, "mapping file "+opts.MappingFile, err)
		}
		logger.Info("Loaded static mapping", "file", opts.MappingFile, "entries", table.Len())
		return table, "static:" + opts.MappingFile, nil
	}

	resolver := schema.NewService(client, schema.Options{QualifyAmbiguous: opts.QualifyAmbiguous}, logger)
	table, _, err := resolver.Resolve(ctx, opts.DatasetID)
	if err != nil {
		return nil, "", err
	}
	return table, "live:" + opts.DatasetID, nil
}

func (s *Service) load(ctx context.Context, opts Options) (*extract.Table, error) {
	if opts.SourceFile == "" {
		return nil, failure.Newf(failure.SourceUnreadable, "source", "no source file configured")
	}

	timeout := opts.LoadTimeout
	if timeout <= 0 {
		timeout = defaultLoadTimeout
	}
	loadCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return extract.Load(loadCtx, opts.SourceFile, extract.LoadOptions{Sheet: opts.Sheet})
}

// probe checks connectivity and credentials before any pipeline work
func probe(ctx context.Context, client *api.Client, logger *slog.Logger) error {
	info, err := client.SystemInfo(ctx)
	if err != nil {
		var statusErr *api.StatusError
		if errors.As(err, &statusErr) &&
			(statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
			return failure.New(failure.AuthError, "connectivity probe "+client.BaseURL(), err)
		}
		return failure.New(failure.TransportError, "connectivity probe "+client.BaseURL(), err)
	}

	logger.Info("Connected to DHIS2", "url", client.BaseURL(), "version", info.Version, "revision", info.Revision)
	return nil
}
