package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Service handles scheduled job management and execution
type Service struct {
	ctx    context.Context
	cron   *cron.Cron
	jobs   map[string]*ScheduledJob // name -> job
	jobsMu sync.RWMutex
	logger *slog.Logger
}

// NewService creates a new scheduler service. Jobs receive ctx when they run.
func NewService(ctx context.Context, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}

	// Create cron scheduler with seconds support; a job still running when
	// its next tick arrives is skipped
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	return &Service{
		ctx:    ctx,
		cron:   c,
		jobs:   make(map[string]*ScheduledJob),
		logger: logger,
	}
}

// Start starts the cron scheduler
func (s *Service) Start() {
	s.cron.Start()

	s.jobsMu.RLock()
	count := len(s.jobs)
	s.jobsMu.RUnlock()
	s.logger.Info("Scheduler started", "jobs", count)
}

// Stop gracefully stops the scheduler, waiting for running jobs
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.logger.Info("Scheduler stopped")
	}
}

// AddJob schedules fn under name, replacing any job with the same name
func (s *Service) AddJob(name, cronExpr, timezone string, fn JobFunc) (string, error) {
	if name == "" || cronExpr == "" || fn == nil {
		return "", fmt.Errorf("name, cron, and job function are required")
	}

	normalizedCron, err := normalizeCron(cronExpr)
	if err != nil {
		return "", err
	}

	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return "", fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	job := &ScheduledJob{
		ID:        uuid.New().String(),
		Name:      name,
		Cron:      normalizedCron,
		Timezone:  timezone,
		CreatedAt: time.Now(),
		run:       fn,
	}

	spec := normalizedCron
	if !strings.HasPrefix(spec, "@") {
		spec = "CRON_TZ=" + timezone + " " + spec
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if existing, ok := s.jobs[name]; ok {
		s.cron.Remove(existing.entryID)
		delete(s.jobs, name)
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		s.executeJob(job)
	})
	if err != nil {
		return "", fmt.Errorf("failed to add cron job: %w", err)
	}
	job.entryID = entryID
	s.jobs[name] = job

	s.logger.Info("Scheduled job", "name", name, "cron", normalizedCron, "timezone", timezone)
	return job.ID, nil
}

// RemoveJob unschedules the named job
func (s *Service) RemoveJob(name string) bool {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(job.entryID)
	delete(s.jobs, name)
	return true
}

// ListJobs returns all scheduled jobs ordered by name
func (s *Service) ListJobs() []JobListResponse {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	responses := make([]JobListResponse, 0, len(s.jobs))
	for _, job := range s.jobs {
		responses = append(responses, s.toJobListResponse(job))
	}
	sort.Slice(responses, func(i, j int) bool { return responses[i].Name < responses[j].Name })
	return responses
}

// executeJob runs a scheduled job
func (s *Service) executeJob(job *ScheduledJob) {
	now := time.Now()
	s.jobsMu.Lock()
	job.LastRunAt = &now
	s.jobsMu.Unlock()

	s.logger.Info("Executing scheduled job", "name", job.Name)
	job.run(s.ctx)
	s.logger.Info("Completed scheduled job", "name", job.Name, "duration", time.Since(now))
}

// normalizeCron converts 5-field cron to 6-field format by prepending seconds
// 5-field: "minute hour day month dow" (standard cron)
// 6-field: "second minute hour day month dow" (robfig/cron with WithSeconds)
func normalizeCron(cronExpr string) (string, error) {
	cronExpr = strings.TrimSpace(cronExpr)

	// Descriptors such as @hourly or @every 10m pass through
	if strings.HasPrefix(cronExpr, "@") {
		if _, err := cronParser.Parse(cronExpr); err != nil {
			return "", fmt.Errorf("invalid cron expression: %w", err)
		}
		return cronExpr, nil
	}

	fields := strings.Fields(cronExpr)
	if len(fields) == 6 {
		if _, err := cronParser.Parse(cronExpr); err == nil {
			return cronExpr, nil
		}
	}

	if len(fields) == 5 {
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 5-field cron expression: %w", err)
		}
		// Prepend seconds (0 = run at 0 seconds of the minute)
		return "0 " + cronExpr, nil
	}

	return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
}

func (s *Service) toJobListResponse(job *ScheduledJob) JobListResponse {
	resp := JobListResponse{
		ID:        job.ID,
		Name:      job.Name,
		Cron:      job.Cron,
		Timezone:  job.Timezone,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
	}

	if job.LastRunAt != nil {
		lastRun := job.LastRunAt.Format(time.RFC3339)
		resp.LastRunAt = &lastRun
	}

	if next := s.cron.Entry(job.entryID).Next; !next.IsZero() {
		nextRun := next.Format(time.RFC3339)
		resp.NextRun = &nextRun
	}

	return resp
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
