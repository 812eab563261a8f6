package config

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TeamWatcher reloads the agent-team file when it changes on disk and
// hands the parsed document to a callback. A reload that fails to parse
// is logged and dropped; the previous roster stays in effect.
//
// The watch is on the file's directory, not the file itself, so editor
// save strategies that replace the file (rename over) still deliver.
type TeamWatcher struct {
	path     string
	debounce time.Duration
	onChange func(*TeamFile)
	logger   *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// WatchConfig tunes a TeamWatcher.
type WatchConfig struct {
	// Debounce coalesces rapid events into one reload. Default: 250ms.
	Debounce time.Duration

	// Logger for reload outcomes. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewTeamWatcher creates a watcher for the team file at path. onChange
// receives every successfully parsed reload.
func NewTeamWatcher(path string, cfg WatchConfig, onChange func(*TeamFile)) (*TeamWatcher, error) {
	if path == "" {
		return nil, errors.New("team watcher requires a path")
	}
	if onChange == nil {
		return nil, errors.New("team watcher requires a callback")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &TeamWatcher{
		path:     abs,
		debounce: cfg.Debounce,
		onChange: onChange,
		logger:   cfg.Logger.With("component", "team_watcher"),
	}, nil
}

// Start begins watching. It returns once the watch is registered; the
// event loop runs until ctx is cancelled or Close is called.
func (w *TeamWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return errors.New("team watcher already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher = watcher
	w.cancel = cancel

	w.wg.Add(1)
	go w.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watch loop and releases the notify handle.
func (w *TeamWatcher) Close() error {
	w.mu.Lock()
	watcher := w.watcher
	cancel := w.cancel
	w.watcher = nil
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	w.wg.Wait()
	return err
}

func (w *TeamWatcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()

	var timerMu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("team watch error", "error", err)
		}
	}
}

// reload parses the current file and delivers it. Parse failures keep
// the previous roster.
func (w *TeamWatcher) reload() {
	tf, err := LoadTeamFile(w.path)
	if err != nil {
		w.logger.Warn("team file reload failed", "path", w.path, "error", err)
		return
	}
	w.logger.Info("team file reloaded", "path", w.path, "agents", len(tf.Agents))
	w.onChange(tf)
}
