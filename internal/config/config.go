// Package config loads the process configuration from environment
// variables, optionally seeded from a .env file. The resulting Config is
// passed explicitly to the components that need it.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	DHIS2    DHIS2Config
	Run      RunConfig
	Source   SourceConfig
	Upload   UploadConfig
	Schedule ScheduleConfig
	History  HistoryConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
}

// DHIS2Config holds the connection to the DHIS2 instance
type DHIS2Config struct {
	BaseURL    string        // DHIS2_BASE_URL, API root such as http://host/api/29
	Username   string        // DHIS2_USERNAME
	Password   string        // DHIS2_PASSWORD, falls back to the OS keychain
	Timeout    time.Duration // DHIS2_TIMEOUT (default: 10s)
	RetryCount int           // DHIS2_RETRY_COUNT, GET retries only (default: 0)
}

// RunConfig holds what one submission targets
type RunConfig struct {
	DatasetID        string        // DHIS2_DATASET_ID
	OrgUnit          string        // DHIS2_ORG_UNIT
	Period           string        // DHIS2_PERIOD, e.g. 202401
	PeriodType       string        // DHIS2_PERIOD_TYPE (default: Monthly)
	MappingFile      string        // MAPPING_FILE, static mapping; empty resolves live
	QualifyAmbiguous bool          // SCHEMA_QUALIFY_AMBIGUOUS
	AllRows          bool          // SUBMIT_ALL_ROWS
	PeriodColumn     string        // PERIOD_COLUMN
	OrgUnitColumn    string        // ORG_UNIT_COLUMN
	MaxAttempts      int           // SUBMIT_MAX_ATTEMPTS (default: 1)
	RetryDelay       time.Duration // SUBMIT_RETRY_DELAY (default: 500ms)
}

// SourceConfig holds the tabular source settings
type SourceConfig struct {
	File        string        // SOURCE_FILE
	Sheet       string        // SOURCE_SHEET, empty selects the first sheet
	LoadTimeout time.Duration // SOURCE_LOAD_TIMEOUT (default: 30s)
}

// UploadConfig holds the upload front end settings
type UploadConfig struct {
	Host        string        // UPLOAD_HOST (default: 0.0.0.0)
	Port        int           // UPLOAD_PORT (default: 5000)
	Dir         string        // UPLOAD_DIR (default: ./data)
	MaxFileSize int64         // UPLOAD_MAX_FILE_SIZE in bytes (default: 32MB)
	Watch       bool          // WATCH_UPLOADS, run the pipeline on new uploads
	Debounce    time.Duration // WATCH_DEBOUNCE (default: 2s)
}

// ScheduleConfig holds the cron trigger settings
type ScheduleConfig struct {
	Cron     string // SCHEDULE_CRON, 5 or 6 fields; empty disables
	Timezone string // SCHEDULE_TIMEZONE (default: UTC)
}

// HistoryConfig holds run history storage settings
type HistoryConfig struct {
	DatabaseURL string // HISTORY_DATABASE_URL, sqlite://path or postgres://...; empty disables
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level   string // LOG_LEVEL: debug, info, warn, error (default: info)
	Format  string // LOG_FORMAT: text or json (default: text)
	RunFile string // RUN_LOG_FILE (default: dhis2_integration.log); "-" disables
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled bool // METRICS_ENABLED (default: true)
}

// Addr returns the upload server listen address in host:port format
func (c *UploadConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// HistoryEnabled reports whether run history is stored
func (c *Config) HistoryEnabled() bool {
	return c.History.DatabaseURL != ""
}
