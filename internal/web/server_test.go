package web

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uploadRequest(t *testing.T, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func newTestServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = filepath.Join(t.TempDir(), "data")
	}
	return NewServer(opts, nil), opts.Dir
}

func TestUpload(t *testing.T) {
	t.Run("Should store a supported file under its base name", func(t *testing.T) {
		s, dir := newTestServer(t, Options{MaxFileSize: 1 << 20})

		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, uploadRequest(t, "../../evil/report.csv", "5-9\n15\n"))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "File report.csv uploaded successfully")
		assert.Contains(t, rec.Body.String(), "<td>report.csv</td>")

		content, err := os.ReadFile(filepath.Join(dir, "report.csv"))
		require.NoError(t, err)
		assert.Equal(t, "5-9\n15\n", string(content))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "No temporary files are left behind")
	})

	t.Run("Should reject unsupported formats", func(t *testing.T) {
		s, dir := newTestServer(t, Options{})

		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, uploadRequest(t, "notes.txt", "hello"))

		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
		assert.Contains(t, rec.Body.String(), "File format not allowed")
		assert.NoFileExists(t, filepath.Join(dir, "notes.txt"))
	})

	t.Run("Should require a file", func(t *testing.T) {
		s, _ := newTestServer(t, Options{})

		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, uploadRequest(t, "", ""))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "No file selected")
	})

	t.Run("Should refuse bodies over the size limit", func(t *testing.T) {
		s, dir := newTestServer(t, Options{MaxFileSize: 64})

		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, uploadRequest(t, "big.csv", strings.Repeat("1,", 1024)))

		assert.NotEqual(t, http.StatusOK, rec.Code)
		assert.NoFileExists(t, filepath.Join(dir, "big.csv"))
	})
}

func TestRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("metrics"))
	})
	s, _ := newTestServer(t, Options{Metrics: metrics})

	tests := []struct {
		path     string
		status   int
		contains string
	}{
		{"/", http.StatusOK, "Upload a workbook"},
		{"/healthz", http.StatusOK, "ok"},
		{"/metrics", http.StatusOK, "metrics"},
		{"/missing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		assert.Equal(t, tt.status, rec.Code, tt.path)
		assert.Contains(t, rec.Body.String(), tt.contains, tt.path)
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"), tt.path)
	}

	withoutMetrics, _ := newTestServer(t, Options{})
	rec := httptest.NewRecorder()
	withoutMetrics.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
