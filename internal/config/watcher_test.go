package config_test

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/gemos/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
stt:
  engines:
    - name: whisper
      base_url: http://localhost:8080
tts:
  engines:
    - name: espeak
`

const watcherUpdatedYAML = `
server:
  log_level: debug
wake:
  words: ["hello gem"]
stt:
  engines:
    - name: whisper
      base_url: http://localhost:8080
tts:
  engines:
    - name: espeak
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// recorder collects watcher callbacks.
type recorder struct {
	mu    sync.Mutex
	calls [][2]*config.Config
	fired chan struct{}
}

func newRecorder() *recorder { return &recorder{fired: make(chan struct{}, 8)} }

func (r *recorder) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.calls = append(r.calls, [2]*config.Config{old, new})
	r.mu.Unlock()
	r.fired <- struct{}{}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// newWatcher writes content and starts a watcher that effectively never
// polls, so tests drive it through Reload.
func newWatcher(t *testing.T, content string, rec *recorder) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)
	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, watcherValidYAML, newRecorder())

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if !slices.Equal(cfg.Wake.Words, []string{"hey gem", "hi gem", "gem", "oi gem", "olá gem"}) {
		t.Errorf("wake words = %v, want defaults", cfg.Wake.Words)
	}
}

func TestWatcher_ReloadAppliesChange(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, path := newWatcher(t, watcherValidYAML, rec)

	writeFile(t, path, watcherUpdatedYAML)
	d, err := w.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !d.LogLevelChanged || !d.WakeWordsChanged {
		t.Errorf("diff = %+v, want log level and wake words changed", d)
	}
	if rec.count() != 1 {
		t.Fatalf("callbacks = %d, want 1", rec.count())
	}
	old, new := rec.calls[0][0], rec.calls[0][1]
	if old.Server.LogLevel != config.LogInfo || new.Server.LogLevel != config.LogDebug {
		t.Errorf("callback log levels = %q → %q, want info → debug", old.Server.LogLevel, new.Server.LogLevel)
	}
	if w.Current() != new {
		t.Error("Current() is not the config passed to the callback")
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, path := newWatcher(t, watcherValidYAML, rec)
	before := w.Current()

	writeFile(t, path, watcherInvalidYAML)
	if _, err := w.Reload(); err == nil {
		t.Fatal("Reload of invalid file returned nil error")
	}
	if rec.count() != 0 {
		t.Errorf("callbacks = %d, want 0", rec.count())
	}
	if w.Current() != before {
		t.Error("Current() changed after an invalid edit")
	}
}

func TestWatcher_NoEffectiveChange(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		edit func(t *testing.T, path string)
	}{
		{"touch", func(t *testing.T, path string) {
			now := time.Now().Add(time.Second)
			if err := os.Chtimes(path, now, now); err != nil {
				t.Fatalf("Chtimes: %v", err)
			}
		}},
		{"comment", func(t *testing.T, path string) {
			writeFile(t, path, "# kitchen assistant\n"+watcherValidYAML)
		}},
		{"explicit default", func(t *testing.T, path string) {
			writeFile(t, path, watcherValidYAML+"listen:\n  return_to: listening\n")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := newRecorder()
			w, path := newWatcher(t, watcherValidYAML, rec)

			tt.edit(t, path)
			d, err := w.Reload()
			if err != nil {
				t.Fatalf("Reload: %v", err)
			}
			if !d.Empty() {
				t.Errorf("diff = %+v, want empty", d)
			}
			if rec.count() != 0 {
				t.Errorf("callbacks = %d, want 0", rec.count())
			}
		})
	}
}

func TestWatcher_PollsForChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)
	rec := newRecorder()
	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, watcherUpdatedYAML)
	// Some filesystems keep a coarse mtime; the size change alone is enough.
	select {
	case <-rec.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current() log_level = %q, want debug", got)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
