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

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// ReloadFunc receives the diff against the previous config and the newly
// active config after a successful reload.
type ReloadFunc func(d ConfigDiff, cfg *Config)

// Watcher keeps the relay's configuration in sync with its file. It polls the
// file, and [Watcher.Reload] forces a check (for example on SIGHUP). A new
// version is only adopted when it loads and validates; a broken edit is logged
// and the running config stays in place.
//
// The log level is the only setting applied live, through the LevelVar given
// with [WithLevelVar]. Every other change is logged as requiring a restart.
type Watcher struct {
	path     string
	interval time.Duration
	level    *slog.LevelVar
	onReload ReloadFunc

	mu      sync.Mutex
	current *Config
	stamp   fileStamp

	stop     chan struct{}
	stopOnce sync.Once
}

// fileStamp identifies a file version. The mtime short-circuits the common
// unchanged case; the checksum filters out touches that keep the content.
type fileStamp struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLevelVar makes the watcher apply server.log_level changes to v.
func WithLevelVar(v *slog.LevelVar) WatcherOption {
	return func(w *Watcher) { w.level = v }
}

// WithReloadHook registers fn to run after every adopted change.
func WithReloadHook(fn ReloadFunc) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher loads path and starts polling it. The initial load must succeed.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.stamp = cfg, stamp
	if w.level != nil {
		w.level.Set(cfg.Server.LogLevel.SlogLevel())
	}

	go w.loop()
	return w, nil
}

// Current returns the active config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Reload checks the file now, regardless of its mtime, and reports whether a
// new config was adopted.
func (w *Watcher) Reload() bool {
	return w.check(true)
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.check(false)
		}
	}
}

func (w *Watcher) check(force bool) bool {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
			return false
		}
		w.mu.Lock()
		unchanged := info.ModTime().Equal(w.stamp.mtime)
		w.mu.Unlock()
		if unchanged {
			return false
		}
	}

	cfg, stamp, err := w.read()
	if err != nil {
		slog.Warn("config watcher: keeping running config", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	if stamp.sum == w.stamp.sum {
		w.stamp.mtime = stamp.mtime
		w.mu.Unlock()
		return false
	}
	old := w.current
	w.current, w.stamp = cfg, stamp
	w.mu.Unlock()

	d := Diff(old, cfg)
	w.apply(d)
	if w.onReload != nil {
		w.onReload(d, cfg)
	}
	return true
}

func (w *Watcher) apply(d ConfigDiff) {
	if !d.Changed() {
		slog.Info("config watcher: file changed, settings identical", "path", w.path)
		return
	}
	if d.LogLevelChanged && w.level != nil {
		w.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("config watcher: log level changed", "log_level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config watcher: changes need a restart to take effect", "fields", d.RestartRequired)
	}
}

// read loads and validates the file and stamps the bytes it parsed.
func (w *Watcher) read() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
