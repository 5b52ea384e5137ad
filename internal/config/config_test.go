package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("Should apply defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 10*time.Second, cfg.DHIS2.Timeout)
		assert.Equal(t, "Monthly", cfg.Run.PeriodType)
		assert.Equal(t, 1, cfg.Run.MaxAttempts)
		assert.Equal(t, 500*time.Millisecond, cfg.Run.RetryDelay)
		assert.Equal(t, 30*time.Second, cfg.Source.LoadTimeout)
		assert.Equal(t, "0.0.0.0:5000", cfg.Upload.Addr())
		assert.Equal(t, "UTC", cfg.Schedule.Timezone)
		assert.Equal(t, "dhis2_integration.log", cfg.Logging.RunFile)
		assert.True(t, cfg.Metrics.Enabled)
		assert.False(t, cfg.HistoryEnabled())
	})

	t.Run("Should read values from the environment", func(t *testing.T) {
		t.Setenv("DHIS2_BASE_URL", "http://dhis.example.org/api/29/")
		t.Setenv("DHIS2_USERNAME", "admin")
		t.Setenv("DHIS2_TIMEOUT", "3s")
		t.Setenv("DHIS2_DATASET_ID", "D1")
		t.Setenv("SUBMIT_ALL_ROWS", "true")
		t.Setenv("UPLOAD_PORT", "8080")
		t.Setenv("LOG_LEVEL", "DEBUG")
		t.Setenv("HISTORY_DATABASE_URL", "sqlite://runs.db")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "http://dhis.example.org/api/29", cfg.DHIS2.BaseURL)
		assert.Equal(t, 3*time.Second, cfg.DHIS2.Timeout)
		assert.True(t, cfg.Run.AllRows)
		assert.Equal(t, 8080, cfg.Upload.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.True(t, cfg.HistoryEnabled())
	})

	t.Run("Should report every malformed value", func(t *testing.T) {
		t.Setenv("DHIS2_TIMEOUT", "soon")
		t.Setenv("UPLOAD_PORT", "http")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DHIS2_TIMEOUT")
		assert.Contains(t, err.Error(), "UPLOAD_PORT")
	})

	t.Run("Should reject out of range values", func(t *testing.T) {
		t.Setenv("SUBMIT_MAX_ATTEMPTS", "0")
		t.Setenv("LOG_FORMAT", "xml")
		t.Setenv("DHIS2_BASE_URL", "dhis.example.org")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SUBMIT_MAX_ATTEMPTS")
		assert.Contains(t, err.Error(), "LOG_FORMAT")
		assert.Contains(t, err.Error(), "DHIS2_BASE_URL")
	})
}

func TestValidateRun(t *testing.T) {
	cfg := &Config{}
	err := cfg.ValidateRun()
	require.Error(t, err)
	for _, key := range []string{"DHIS2_BASE_URL", "DHIS2_USERNAME", "DHIS2_DATASET_ID", "DHIS2_ORG_UNIT", "DHIS2_PERIOD", "SOURCE_FILE"} {
		assert.Contains(t, err.Error(), key)
	}

	cfg.DHIS2 = DHIS2Config{BaseURL: "http://localhost/api", Username: "admin"}
	cfg.Run = RunConfig{DatasetID: "D1", PeriodColumn: "period", OrgUnit: "OU1"}
	cfg.Source.File = "data.xlsx"
	assert.NoError(t, cfg.ValidateRun())
}

func TestString(t *testing.T) {
	cfg := &Config{
		DHIS2:   DHIS2Config{BaseURL: "http://localhost/api", Username: "admin", Password: "district"},
		History: HistoryConfig{DatabaseURL: "postgres://u:secret@db/runs"},
	}
	s := cfg.String()
	assert.NotContains(t, s, "district")
	assert.NotContains(t, s, "secret")
	assert.Contains(t, s, "[MASKED]")
	assert.Contains(t, s, `"admin"`)
}

func TestLoadEnvFile(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DHIS2_ORG_UNIT=OU42\n"), 0644))

	t.Setenv("DHIS2_ORG_UNIT", "from-env")
	require.NoError(t, LoadEnvFile(path))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "OU42", cfg.Run.OrgUnit)
}
