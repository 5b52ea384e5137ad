package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnvFile seeds the environment from a .env file. Values in the file
// override the process environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Overload(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables, applies defaults
// and validates value formats
func Load() (*Config, error) {
	var errs []string

	cfg := &Config{
		DHIS2: DHIS2Config{
			BaseURL:    strings.TrimRight(getEnv("DHIS2_BASE_URL", ""), "/"),
			Username:   getEnv("DHIS2_USERNAME", ""),
			Password:   getEnv("DHIS2_PASSWORD", ""),
			Timeout:    getEnvDuration("DHIS2_TIMEOUT", 10*time.Second, &errs),
			RetryCount: getEnvInt("DHIS2_RETRY_COUNT", 0, &errs),
		},
		Run: RunConfig{
			DatasetID:        getEnv("DHIS2_DATASET_ID", ""),
			OrgUnit:          getEnv("DHIS2_ORG_UNIT", ""),
			Period:           getEnv("DHIS2_PERIOD", ""),
			PeriodType:       getEnv("DHIS2_PERIOD_TYPE", "Monthly"),
			MappingFile:      getEnv("MAPPING_FILE", ""),
			QualifyAmbiguous: getEnvBool("SCHEMA_QUALIFY_AMBIGUOUS", false, &errs),
			AllRows:          getEnvBool("SUBMIT_ALL_ROWS", false, &errs),
			PeriodColumn:     getEnv("PERIOD_COLUMN", ""),
			OrgUnitColumn:    getEnv("ORG_UNIT_COLUMN", ""),
			MaxAttempts:      getEnvInt("SUBMIT_MAX_ATTEMPTS", 1, &errs),
			RetryDelay:       getEnvDuration("SUBMIT_RETRY_DELAY", 500*time.Millisecond, &errs),
		},
		Source: SourceConfig{
			File:        getEnv("SOURCE_FILE", ""),
			Sheet:       getEnv("SOURCE_SHEET", ""),
			LoadTimeout: getEnvDuration("SOURCE_LOAD_TIMEOUT", 30*time.Second, &errs),
		},
		Upload: UploadConfig{
			Host:        getEnv("UPLOAD_HOST", "0.0.0.0"),
			Port:        getEnvInt("UPLOAD_PORT", 5000, &errs),
			Dir:         getEnv("UPLOAD_DIR", "./data"),
			MaxFileSize: int64(getEnvInt("UPLOAD_MAX_FILE_SIZE", 32<<20, &errs)),
			Watch:       getEnvBool("WATCH_UPLOADS", false, &errs),
			Debounce:    getEnvDuration("WATCH_DEBOUNCE", 2*time.Second, &errs),
		},
		Schedule: ScheduleConfig{
			Cron:     getEnv("SCHEDULE_CRON", ""),
			Timezone: getEnv("SCHEDULE_TIMEZONE", "UTC"),
		},
		History: HistoryConfig{
			DatabaseURL: getEnv("HISTORY_DATABASE_URL", ""),
		},
		Logging: LoggingConfig{
			Level:   strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format:  strings.ToLower(getEnv("LOG_FORMAT", "text")),
			RunFile: getEnv("RUN_LOG_FILE", "dhis2_integration.log"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true, &errs),
		},
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config load: %s", strings.Join(errs, "; "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Validate checks value ranges and enumerations. It reports every problem
// at once.
func (c *Config) Validate() error {
	var errs []string

	if c.DHIS2.Timeout <= 0 {
		errs = append(errs, "DHIS2_TIMEOUT must be positive")
	}
	if c.DHIS2.RetryCount < 0 {
		errs = append(errs, "DHIS2_RETRY_COUNT must be non-negative")
	}
	if c.DHIS2.BaseURL != "" && !strings.HasPrefix(c.DHIS2.BaseURL, "http://") && !strings.HasPrefix(c.DHIS2.BaseURL, "https://") {
		errs = append(errs, fmt.Sprintf("DHIS2_BASE_URL (%q) must start with http:// or https://", c.DHIS2.BaseURL))
	}

	if c.Run.MaxAttempts < 1 {
		errs = append(errs, "SUBMIT_MAX_ATTEMPTS must be at least 1")
	}
	if c.Run.RetryDelay < 0 {
		errs = append(errs, "SUBMIT_RETRY_DELAY must be non-negative")
	}
	if c.Source.LoadTimeout <= 0 {
		errs = append(errs, "SOURCE_LOAD_TIMEOUT must be positive")
	}

	if c.Upload.Port <= 0 || c.Upload.Port > 65535 {
		errs = append(errs, fmt.Sprintf("UPLOAD_PORT (%d) must be 1-65535", c.Upload.Port))
	}
	if c.Upload.MaxFileSize <= 0 {
		errs = append(errs, "UPLOAD_MAX_FILE_SIZE must be positive")
	}
	if c.Upload.Debounce < 0 {
		errs = append(errs, "WATCH_DEBOUNCE must be non-negative")
	}

	if c.History.DatabaseURL != "" &&
		!strings.HasPrefix(c.History.DatabaseURL, "sqlite://") &&
		!strings.HasPrefix(c.History.DatabaseURL, "postgres://") &&
		!strings.HasPrefix(c.History.DatabaseURL, "postgresql://") {
		errs = append(errs, "HISTORY_DATABASE_URL must use sqlite://, postgres:// or postgresql://")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be debug, info, warn, or error", c.Logging.Level))
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be text or json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ValidateAPI checks that a DHIS2 instance is configured
func (c *Config) ValidateAPI() error {
	var errs []string
	if c.DHIS2.BaseURL == "" {
		errs = append(errs, "DHIS2_BASE_URL is required")
	}
	if c.DHIS2.Username == "" {
		errs = append(errs, "DHIS2_USERNAME is required")
	}
	if c.Run.DatasetID == "" {
		errs = append(errs, "DHIS2_DATASET_ID is required")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ValidateRun checks everything a submission run needs
func (c *Config) ValidateRun() error {
	var errs []string
	if err := c.ValidateAPI(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Run.OrgUnit == "" && c.Run.OrgUnitColumn == "" {
		errs = append(errs, "DHIS2_ORG_UNIT or ORG_UNIT_COLUMN is required")
	}
	if c.Run.Period == "" && c.Run.PeriodColumn == "" {
		errs = append(errs, "DHIS2_PERIOD or PERIOD_COLUMN is required")
	}
	if c.Source.File == "" {
		errs = append(errs, "SOURCE_FILE is required")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// String returns a string representation with the password masked
func (c *Config) String() string {
	password := ""
	if c.DHIS2.Password != "" {
		password = "[MASKED]"
	}

	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("DHIS2: {BaseURL: %q, Username: %q, Password: %s, Timeout: %v}, ",
		c.DHIS2.BaseURL, c.DHIS2.Username, password, c.DHIS2.Timeout))
	b.WriteString(fmt.Sprintf("Run: {DatasetID: %q, OrgUnit: %q, Period: %q, MappingFile: %q, AllRows: %v}, ",
		c.Run.DatasetID, c.Run.OrgUnit, c.Run.Period, c.Run.MappingFile, c.Run.AllRows))
	b.WriteString(fmt.Sprintf("Source: {File: %q, Sheet: %q}, ", c.Source.File, c.Source.Sheet))
	b.WriteString(fmt.Sprintf("Upload: {Addr: %q, Dir: %q, Watch: %v}, ", c.Upload.Addr(), c.Upload.Dir, c.Upload.Watch))
	historyURL := ""
	if c.History.DatabaseURL != "" {
		historyURL = "[MASKED]"
	}
	b.WriteString(fmt.Sprintf("History: {DatabaseURL: %s}, ", historyURL))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key, defaultValue string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultValue
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int, errs *[]string) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, val))
		return defaultValue
	}
	return intVal
}

// getEnvBool retrieves a boolean from environment variable with default fallback
func getEnvBool(key string, defaultValue bool, errs *[]string) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	boolVal, err := strconv.ParseBool(val)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, val))
		return defaultValue
	}
	return boolVal
}

// getEnvDuration retrieves a duration from environment variable with default fallback
func getEnvDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(val)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, val))
		return defaultValue
	}
	return duration
}
