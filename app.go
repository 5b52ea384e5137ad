package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"gorm.io/gorm"

	"dhis2submit/internal/api"
	"dhis2submit/internal/config"
	"dhis2submit/internal/credentials"
	"dhis2submit/internal/database"
	"dhis2submit/internal/mapping"
	"dhis2submit/internal/metrics"
	"dhis2submit/internal/models"
	"dhis2submit/internal/services/history"
	"dhis2submit/internal/services/pipeline"
	"dhis2submit/internal/services/scheduler"
	"dhis2submit/internal/services/schema"
	"dhis2submit/internal/services/submission"
	"dhis2submit/internal/watcher"
	"dhis2submit/internal/web"
)

// Run triggers recorded in history
const (
	TriggerCLI      = "cli"
	TriggerSchedule = "schedule"
	TriggerUpload   = "upload"
)

const scheduledJobName = "submit"

// App struct - main application state
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	pipeline *pipeline.Service

	db       *gorm.DB         // nil when history is disabled
	history  *history.Service // nil when history is disabled
	metrics  *metrics.Metrics // nil when metrics are disabled
	password func(baseURL, username string) (string, error)

	// At most one run at a time per process
	runMu sync.Mutex
}

// NewApp wires the services the configuration enables
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		pipeline: pipeline.NewService(logger),
		password: credentials.Get,
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	if cfg.HistoryEnabled() {
		db, err := database.Open(database.Options{URL: cfg.History.DatabaseURL, Debug: cfg.Logging.Level == "debug"})
		if err != nil {
			return nil, fmt.Errorf("failed to open history database: %w", err)
		}
		a.db = db
		a.history = history.NewService(db)
		logger.Info("Run history enabled")
	}

	return a, nil
}

// Close releases the history database
func (a *App) Close() error {
	if a.db == nil {
		return nil
	}
	return database.Close(a.db)
}

// RunOnce runs the pipeline against sourceFile, or the configured source
// when empty, then records history and metrics
func (a *App) RunOnce(ctx context.Context, trigger, sourceFile string) (*pipeline.Report, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	opts, err := a.pipelineOptions(sourceFile)
	if err != nil {
		return nil, err
	}

	a.logger.Info("Starting run",
		"trigger", trigger,
		"dataset", opts.DatasetID,
		"period", opts.Period,
		"org_unit", opts.OrgUnit,
		"source", opts.SourceFile)

	report, runErr := a.pipeline.Run(ctx, opts)

	if a.metrics != nil {
		a.metrics.ObserveReport(report)
	}
	if a.history != nil && report != nil {
		// The run is over; its summary is stored even if ctx was cancelled
		if _, err := a.history.Record(context.WithoutCancel(ctx), report, trigger); err != nil {
			a.logger.Error("Failed to record run history", "run_id", report.RunID, "error", err)
		}
	}

	return report, runErr
}

// Mapping resolves the dimension mapping of the configured dataset
func (a *App) Mapping(ctx context.Context) (mapping.Mapping, *schema.Report, error) {
	if err := a.cfg.ValidateAPI(); err != nil {
		return nil, nil, err
	}
	apiCfg, err := a.apiConfig()
	if err != nil {
		return nil, nil, err
	}
	return a.pipeline.Mapping(ctx, pipeline.Options{
		API:              apiCfg,
		DatasetID:        a.cfg.Run.DatasetID,
		QualifyAmbiguous: a.cfg.Run.QualifyAmbiguous,
	})
}

// History lists recent runs
func (a *App) History(ctx context.Context, limit int) ([]models.SubmissionRun, error) {
	if a.history == nil {
		return nil, errors.New("run history is disabled: set HISTORY_DATABASE_URL")
	}
	return a.history.List(ctx, limit)
}

// Serve runs the upload front end with the configured triggers until ctx
// is done
func (a *App) Serve(ctx context.Context) error {
	a.logger.Info("Application starting up...")

	var metricsHandler http.Handler
	if a.metrics != nil {
		metricsHandler = a.metrics.Handler()
	}
	server := web.NewServer(web.Options{
		Dir:         a.cfg.Upload.Dir,
		MaxFileSize: a.cfg.Upload.MaxFileSize,
		Metrics:     metricsHandler,
	}, a.logger)

	if a.cfg.Upload.Watch {
		w, err := watcher.New(watcher.Config{
			Dir:      a.cfg.Upload.Dir,
			Debounce: a.cfg.Upload.Debounce,
			Logger:   a.logger,
		}, a.handleUpload)
		if err != nil {
			return fmt.Errorf("failed to create upload watcher: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	if a.cfg.Schedule.Cron != "" {
		sched := scheduler.NewService(ctx, a.logger)
		if _, err := sched.AddJob(scheduledJobName, a.cfg.Schedule.Cron, a.cfg.Schedule.Timezone, a.handleSchedule); err != nil {
			return fmt.Errorf("failed to schedule runs: %w", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(a.cfg.Upload.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	a.logger.Info("Startup complete")

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("upload server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Application shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Error shutting down upload server", "error", err)
	}
	a.logger.Info("Shutdown complete")
	return nil
}

func (a *App) handleUpload(ctx context.Context, path string) {
	a.triggeredRun(ctx, TriggerUpload, path)
}

func (a *App) handleSchedule(ctx context.Context) {
	a.triggeredRun(ctx, TriggerSchedule, "")
}

// triggeredRun runs in the background; its outcome only goes to the logs
func (a *App) triggeredRun(ctx context.Context, trigger, sourceFile string) {
	report, err := a.RunOnce(ctx, trigger, sourceFile)
	if report == nil {
		a.logger.Error("Run not started", "trigger", trigger, "error", err)
		return
	}
	a.logger.Info("Run report", "trigger", trigger, "run_id", report.RunID, "summary", report.Summary())
}

// pipelineOptions builds run options from configuration
func (a *App) pipelineOptions(sourceFile string) (pipeline.Options, error) {
	cfg := *a.cfg
	if sourceFile != "" {
		cfg.Source.File = sourceFile
	}
	if err := cfg.ValidateRun(); err != nil {
		return pipeline.Options{}, err
	}

	apiCfg, err := a.apiConfig()
	if err != nil {
		return pipeline.Options{}, err
	}

	return pipeline.Options{
		API:              apiCfg,
		DatasetID:        cfg.Run.DatasetID,
		OrgUnit:          cfg.Run.OrgUnit,
		Period:           cfg.Run.Period,
		PeriodType:       cfg.Run.PeriodType,
		SourceFile:       cfg.Source.File,
		Sheet:            cfg.Source.Sheet,
		LoadTimeout:      cfg.Source.LoadTimeout,
		MappingFile:      cfg.Run.MappingFile,
		QualifyAmbiguous: cfg.Run.QualifyAmbiguous,
		AllRows:          cfg.Run.AllRows,
		PeriodColumn:     cfg.Run.PeriodColumn,
		OrgUnitColumn:    cfg.Run.OrgUnitColumn,
		Retry: submission.RetryPolicy{
			MaxAttempts: cfg.Run.MaxAttempts,
			BaseDelay:   cfg.Run.RetryDelay,
		},
	}, nil
}

// apiConfig resolves the DHIS2 connection, falling back to the OS keychain
// for the password
func (a *App) apiConfig() (api.Config, error) {
	password := a.cfg.DHIS2.Password
	if password == "" {
		stored, err := a.password(a.cfg.DHIS2.BaseURL, a.cfg.DHIS2.Username)
		if err != nil {
			if errors.Is(err, credentials.ErrNotFound) {
				return api.Config{}, errors.New("no password: set DHIS2_PASSWORD or run 'credentials set'")
			}
			return api.Config{}, fmt.Errorf("failed to read stored password: %w", err)
		}
		password = stored
	}

	return api.Config{
		BaseURL:    a.cfg.DHIS2.BaseURL,
		Username:   a.cfg.DHIS2.Username,
		Password:   password,
		Timeout:    a.cfg.DHIS2.Timeout,
		RetryCount: a.cfg.DHIS2.RetryCount,
	}, nil
}
