package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"dhis2submit/internal/logging"
	"dhis2submit/internal/services/extract"
)

const maxListedUploads = 20

// pageData feeds templates/index.html
type pageData struct {
	Flash   string
	Error   bool
	Uploads []uploadEntry
}

type uploadEntry struct {
	Name     string
	Size     int64
	Modified time.Time
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "", false)
}

// handleUpload stores the multipart "file" field under the upload
// directory using its base name
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context(), s.logger)

	if s.opts.MaxFileSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxFileSize)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.render(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("File exceeds the %d byte limit", tooLarge.Limit), true)
			return
		}
		s.render(w, r, http.StatusBadRequest, "No file selected", true)
		return
	}
	defer file.Close()

	name := filepath.Base(strings.ReplaceAll(header.Filename, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		s.render(w, r, http.StatusBadRequest, "No file selected", true)
		return
	}
	if !extract.SupportedFile(name) {
		s.render(w, r, http.StatusUnsupportedMediaType, "File format not allowed", true)
		return
	}

	if err := os.MkdirAll(s.opts.Dir, 0755); err != nil {
		logger.Error("Failed to create upload directory", "dir", s.opts.Dir, "error", err)
		s.render(w, r, http.StatusInternalServerError, "Upload directory unavailable", true)
		return
	}

	dest := filepath.Join(s.opts.Dir, name)
	if err := saveFile(dest, file); err != nil {
		logger.Error("Failed to store upload", "file", dest, "error", err)
		s.render(w, r, http.StatusInternalServerError, "Failed to store file", true)
		return
	}

	logger.Info("Stored upload", "file", dest, "size", header.Size)
	s.render(w, r, http.StatusOK, fmt.Sprintf("File %s uploaded successfully", name), false)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, flash string, isError bool) {
	data := pageData{Flash: flash, Error: isError, Uploads: s.recentUploads()}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.pages.ExecuteTemplate(w, "index.html", data); err != nil {
		logging.FromContext(r.Context(), s.logger).Error("Failed to render page", "error", err)
	}
}

// recentUploads lists supported files in the upload directory, newest first
func (s *Server) recentUploads() []uploadEntry {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return nil
	}

	uploads := make([]uploadEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !extract.SupportedFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		uploads = append(uploads, uploadEntry{Name: e.Name(), Size: info.Size(), Modified: info.ModTime()})
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].Modified.After(uploads[j].Modified) })
	if len(uploads) > maxListedUploads {
		uploads = uploads[:maxListedUploads]
	}
	return uploads
}

// saveFile writes to a temporary sibling and renames it into place so the
// upload watcher never sees a partial file under the final name
func saveFile(dest string, src io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
