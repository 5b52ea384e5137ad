package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhis2submit/internal/config"
	"dhis2submit/internal/credentials"
	"dhis2submit/internal/mapping"
	"dhis2submit/internal/models"
	"dhis2submit/internal/services/pipeline"
	"dhis2submit/internal/services/schema"
)

const datasetJSON = `{
  "id": "D1",
  "name": "Malaria monthly",
  "dataSetElements": [
    {"dataElement": {"id": "E1", "name": "Cases", "categoryCombo": {"categoryOptionCombos": [
      {"id": "C1", "name": "5-9", "categoryOptions": [{"id": "O1", "name": "5-9"}]}
    ]}}},
    {"dataElement": {"id": "E2", "name": "Deaths", "categoryCombo": {"categoryOptionCombos": []}}}
  ]
}`

func stubServer(t *testing.T, submissions *atomic.Int32) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		if user != "admin" || pass != "district" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/system/info":
			w.Write([]byte(`{"version":"2.40.0"}`))
		case "/api/dataSets/D1":
			w.Write([]byte(datasetJSON))
		case "/api/dataValueSets":
			submissions.Add(1)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/api"
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	source := filepath.Join(t.TempDir(), "source.csv")
	require.NoError(t, os.WriteFile(source, []byte("5-9\n15\n"), 0644))

	return &config.Config{
		DHIS2: config.DHIS2Config{BaseURL: baseURL, Username: "admin", Password: "district", Timeout: time.Second},
		Run: config.RunConfig{
			DatasetID:   "D1",
			OrgUnit:     "OU1",
			Period:      "202401",
			PeriodType:  "Monthly",
			MaxAttempts: 1,
		},
		Source:  config.SourceConfig{File: source, LoadTimeout: time.Second},
		History: config.HistoryConfig{DatabaseURL: "sqlite://" + filepath.Join(t.TempDir(), "history.db")},
		Logging: config.LoggingConfig{Level: "info", Format: "text"},
		Metrics: config.MetricsConfig{Enabled: true},
	}
}

func TestRunOnce(t *testing.T) {
	t.Run("Should submit and record history", func(t *testing.T) {
		var sent atomic.Int32
		cfg := testConfig(t, stubServer(t, &sent))

		app, err := NewApp(cfg, nil)
		require.NoError(t, err)
		defer app.Close()

		report, err := app.RunOnce(context.Background(), TriggerCLI, "")
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusSuccess, report.Status())
		assert.Equal(t, int32(1), sent.Load())

		runs, err := app.History(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, report.RunID, runs[0].ID)
		assert.Equal(t, TriggerCLI, runs[0].TriggeredBy)
		assert.Equal(t, pipeline.StatusSuccess, runs[0].Status)
	})

	t.Run("Should record aborted runs", func(t *testing.T) {
		var sent atomic.Int32
		cfg := testConfig(t, stubServer(t, &sent))
		cfg.DHIS2.Password = "wrong"

		app, err := NewApp(cfg, nil)
		require.NoError(t, err)
		defer app.Close()

		report, err := app.RunOnce(context.Background(), TriggerUpload, "")
		require.Error(t, err)
		assert.Equal(t, pipeline.StatusAborted, report.Status())

		runs, err := app.History(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, pipeline.StatusAborted, runs[0].Status)
		assert.NotEmpty(t, runs[0].Error)
	})

	t.Run("Should refuse to start without run configuration", func(t *testing.T) {
		cfg := testConfig(t, "http://localhost/api")
		cfg.Run.Period = ""
		cfg.History.DatabaseURL = ""

		app, err := NewApp(cfg, nil)
		require.NoError(t, err)

		report, err := app.RunOnce(context.Background(), TriggerCLI, "")
		assert.Nil(t, report)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DHIS2_PERIOD")

		_, err = app.History(context.Background(), 10)
		assert.Error(t, err)
	})

	t.Run("Should use the run-specific source file", func(t *testing.T) {
		var sent atomic.Int32
		cfg := testConfig(t, stubServer(t, &sent))
		cfg.History.DatabaseURL = ""

		upload := filepath.Join(t.TempDir(), "upload.csv")
		require.NoError(t, os.WriteFile(upload, []byte("5-9\n3\n"), 0644))

		app, err := NewApp(cfg, nil)
		require.NoError(t, err)

		report, err := app.RunOnce(context.Background(), TriggerUpload, upload)
		require.NoError(t, err)
		assert.Equal(t, upload, report.SourceFile)
	})
}

func TestAPIConfig(t *testing.T) {
	cfg := testConfig(t, "http://localhost/api")
	cfg.DHIS2.Password = ""
	cfg.History.DatabaseURL = ""

	app, err := NewApp(cfg, nil)
	require.NoError(t, err)

	app.password = func(baseURL, username string) (string, error) {
		assert.Equal(t, "http://localhost/api", baseURL)
		assert.Equal(t, "admin", username)
		return "from-keychain", nil
	}
	apiCfg, err := app.apiConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-keychain", apiCfg.Password)

	app.password = func(string, string) (string, error) { return "", credentials.ErrNotFound }
	_, err = app.apiConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials set")

	app.password = func(string, string) (string, error) { return "", errors.New("locked") }
	_, err = app.apiConfig()
	assert.ErrorContains(t, err, "locked")
}

func TestMapping(t *testing.T) {
	var sent atomic.Int32
	cfg := testConfig(t, stubServer(t, &sent))
	cfg.History.DatabaseURL = ""

	app, err := NewApp(cfg, nil)
	require.NoError(t, err)

	m, report, err := app.Mapping(context.Background())
	require.NoError(t, err)

	var out bytes.Buffer
	printMapping(&out, m, report)
	assert.Equal(t,
		"Malaria monthly | 5-9 => E1 / C1\n"+
			"Malaria monthly | Deaths (E2) has no single-option category combos\n",
		out.String())
	assert.Zero(t, sent.Load())
}

func TestPrintMapping(t *testing.T) {
	table := mapping.NewTable()
	require.NoError(t, table.Add("b", models.DimensionTarget{DataElementID: "E2", CategoryOptionComboID: "C2"}))
	require.NoError(t, table.Add("a", models.DimensionTarget{DataElementID: "E1", CategoryOptionComboID: "C1"}))

	var out bytes.Buffer
	printMapping(&out, table, &schema.Report{DatasetID: "D1"})
	assert.Equal(t, []string{"D1 | a => E1 / C1", "D1 | b => E2 / C2"}, strings.Split(strings.TrimSpace(out.String()), "\n"))
}

func TestReadPassword(t *testing.T) {
	password, err := readPassword(strings.NewReader("district\r\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "district", password)

	password, err = readPassword(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", password)

	_, err = readPassword(strings.NewReader("\n"))
	assert.Error(t, err)
}

func TestRootCommand(t *testing.T) {
	t.Setenv("RUN_LOG_FILE", "-")

	t.Run("Should print the version", func(t *testing.T) {
		cmd := rootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"version"})
		require.NoError(t, cmd.Execute())
		assert.Equal(t, "dhis2submit version "+Version+"\n", out.String())
	})

	t.Run("Should report configuration errors", func(t *testing.T) {
		t.Setenv("DHIS2_TIMEOUT", "soon")
		cmd := rootCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"--env-file", filepath.Join(t.TempDir(), "none.env"), "submit"})
		err := cmd.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DHIS2_TIMEOUT")
	})

	t.Run("Should fail when history is disabled", func(t *testing.T) {
		t.Setenv("HISTORY_DATABASE_URL", "")
		cmd := rootCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"--env-file", "", "history"})
		err := cmd.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HISTORY_DATABASE_URL")
	})
}
