package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) handle(_ context.Context, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}

	w, err := New(Config{Dir: dir, Debounce: 50 * time.Millisecond}, rec.handle)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	target := filepath.Join(dir, "report.xlsx")
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(target, []byte("chunk"), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".upload-123"), []byte("x"), 0644))

	assert.Eventually(t, func() bool { return len(rec.seen()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// Nothing else arrives once the burst has been handled
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []string{target}, rec.seen())
}

func TestFlushPending(t *testing.T) {
	dir := t.TempDir()
	names := []string{"c.csv", "a.csv", "b.csv", "d.csv", "gone.csv"}
	for _, name := range names[:4] {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	rec := &recorder{}
	w, err := New(Config{Dir: dir, Debounce: time.Second}, rec.handle)
	require.NoError(t, err)
	defer w.watcher.Close()

	now := time.Now()
	early := now.Add(-3 * time.Second)
	w.pending = map[string]time.Time{
		filepath.Join(dir, "c.csv"):    early,
		filepath.Join(dir, "a.csv"):    early,
		filepath.Join(dir, "b.csv"):    now.Add(-2 * time.Second),
		filepath.Join(dir, "d.csv"):    now,
		filepath.Join(dir, "gone.csv"): early,
	}

	w.flushPending(context.Background(), now)

	assert.Equal(t, []string{
		filepath.Join(dir, "a.csv"),
		filepath.Join(dir, "c.csv"),
		filepath.Join(dir, "b.csv"),
	}, rec.seen(), "Settled files run oldest first, then by name")
	assert.Contains(t, w.pending, filepath.Join(dir, "d.csv"), "Files still within the debounce stay pending")
	assert.Len(t, w.pending, 1)
}

func TestNew(t *testing.T) {
	_, err := New(Config{Dir: t.TempDir()}, nil)
	assert.Error(t, err)
}

func TestEligible(t *testing.T) {
	tests := map[string]bool{
		"/data/report.xlsx":   true,
		"/data/REPORT.CSV":    true,
		"/data/macro.xlsm":    true,
		"/data/legacy.xls":    false,
		"/data/.upload-1":     false,
		"/data/~$report.xlsx": false,
		"/data/notes.txt":     false,
	}
	for path, want := range tests {
		assert.Equal(t, want, Eligible(path), path)
	}
}
