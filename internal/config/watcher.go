package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// Watcher keeps the assistant's configuration in sync with its YAML file.
// It polls the file; an edit that fails to parse or validate is logged and
// the last good config stays current. Edits without effect, such as new
// comments, are absorbed without calling back.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	// reloadMu serialises Reload so callbacks never overlap.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	hash    [sha256.Size]byte

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// fileStamp is the cheap pre-check done before reading the file.
type fileStamp struct {
	size  int64
	mtime time.Time
}

func (s fileStamp) equal(o fileStamp) bool {
	return s.size == o.size && s.mtime.Equal(o.mtime)
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Defaults to [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. onChange receives every
// effective change; it runs on the polling goroutine and must not call Stop.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, hash, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.stamp, w.hash = cfg, stamp, hash

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight callback to return.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) poll() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if w.modified() {
				_, _ = w.Reload()
			}
		}
	}
}

// modified reports whether the file's size or mtime moved since the last
// read.
func (w *Watcher) modified() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: cannot stat file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.stamp.equal(fileStamp{size: info.Size(), mtime: info.ModTime()})
}

// Reload re-reads the file now, for example on SIGHUP. An invalid file is
// rejected and returned as an error. For a valid file the returned diff
// tells what changed; the callback runs only when the diff is not empty.
func (w *Watcher) Reload() (ConfigDiff, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, stamp, hash, err := w.read()
	if err != nil {
		slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		// Remember the stamp anyway so a broken file is reported once.
		if info, serr := os.Stat(w.path); serr == nil {
			w.mu.Lock()
			w.stamp = fileStamp{size: info.Size(), mtime: info.ModTime()}
			w.mu.Unlock()
		}
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	w.stamp = stamp
	if hash == w.hash {
		w.mu.Unlock()
		return ConfigDiff{}, nil
	}
	old := w.current
	w.current, w.hash = cfg, hash
	w.mu.Unlock()

	d := Diff(old, cfg)
	if d.Empty() {
		slog.Debug("config: file changed without effect", "path", w.path)
		return d, nil
	}
	slog.Info("config: reloaded", "path", w.path, "hot", d.Changed(), "restart_required", d.RestartRequired)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return d, nil
}

// read loads, defaults and validates the file and returns it with the
// stamp and content hash it was read at.
func (w *Watcher) read() (*Config, fileStamp, [sha256.Size]byte, error) {
	var zero [sha256.Size]byte

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, zero, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, zero, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, zero, err
	}
	return cfg, fileStamp{size: info.Size(), mtime: info.ModTime()}, sha256.Sum256(data), nil
}
