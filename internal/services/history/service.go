// Package history stores one summary row per finished pipeline run.
package history

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"dhis2submit/internal/models"
	"dhis2submit/internal/services/pipeline"
)

const defaultLimit = 20

// Service persists run summaries
type Service struct {
	db *gorm.DB
}

// NewService creates a new history service
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Record stores the summary of a finished run
func (s *Service) Record(ctx context.Context, report *pipeline.Report, trigger string) (*models.SubmissionRun, error) {
	failures := make([]string, 0, len(report.Failures))
	for _, f := range report.Failures {
		failures = append(failures, f.String())
	}
	encoded, err := json.Marshal(failures)
	if err != nil {
		return nil, fmt.Errorf("failed to encode failures: %w", err)
	}

	run := &models.SubmissionRun{
		ID:            report.RunID,
		DatasetID:     report.DatasetID,
		Period:        report.Period,
		OrgUnit:       report.OrgUnit,
		SourceFile:    report.SourceFile,
		MappingSource: report.MappingSource,
		TriggeredBy:   trigger,
		Status:        report.Status(),
		Attempted:     report.Stats.Attempted,
		Succeeded:     report.Stats.Succeeded,
		Failed:        report.Stats.Failed,
		Failures:      string(encoded),
		StartedAt:     report.StartedAt,
		FinishedAt:    report.FinishedAt,
	}
	if report.Err != nil {
		run.Error = report.Err.Error()
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}
	return run, nil
}

// List returns the most recent runs, newest first
func (s *Service) List(ctx context.Context, limit int) ([]models.SubmissionRun, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	var runs []models.SubmissionRun
	if err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Get returns one run by id
func (s *Service) Get(ctx context.Context, id string) (*models.SubmissionRun, error) {
	var run models.SubmissionRun
	if err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return &run, nil
}

// FailureLines decodes the stored failure lines of a run
func FailureLines(run *models.SubmissionRun) []string {
	var lines []string
	if run.Failures == "" {
		return lines
	}
	if err := json.Unmarshal([]byte(run.Failures), &lines); err != nil {
		return []string{run.Failures}
	}
	return lines
}
