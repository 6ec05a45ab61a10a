package taskconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fentz26/rover/internal/clock"
)

// DefaultRefresh is the periodic reload interval used alongside file
// notifications.
const DefaultRefresh = 60 * time.Second

// Loader keeps the current task table, reloading it when the file changes.
// A failed load leaves an empty table in place so every task is inactive
// until the file is fixed.
type Loader struct {
	path    string
	refresh time.Duration
	clock   clock.Clock
	logger  *zap.Logger

	mu       sync.RWMutex
	table    *Table
	loadedAt time.Time
	lastErr  error
}

// NewLoader creates a loader for path. Call Load before first use.
func NewLoader(path string, refresh time.Duration, clk clock.Clock, logger *zap.Logger) *Loader {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return &Loader{
		path:    path,
		refresh: refresh,
		clock:   clk,
		logger:  logger.Named("taskconfig"),
		table:   Empty(),
	}
}

// Load reads and parses the file, replacing the current table.
func (l *Loader) Load() error {
	table, err := l.read()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadedAt = l.clock.Now()
	l.lastErr = err
	if err != nil {
		l.table = Empty()
		l.logger.Error("task config load failed, all tasks inactive",
			zap.String("path", l.path), zap.Error(err))
		return err
	}
	l.table = table
	l.logger.Info("task config loaded",
		zap.String("path", l.path),
		zap.Int("days", len(table.Days)),
		zap.Int("family_members", len(table.FamilyMembers)))
	return nil
}

func (l *Loader) read() (*Table, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", l.path, err)
	}
	table, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.path, err)
	}
	return table, nil
}

// Current returns the table in effect.
func (l *Loader) Current() *Table {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.table
}

// Day returns the tasks configured for t's date.
func (l *Loader) Day(t time.Time) Day {
	return l.Current().Day(t)
}

// LastError returns the error of the most recent load, if any.
func (l *Loader) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastErr
}

// Watch reloads on file changes and every refresh interval until ctx is
// done. The parent directory is watched so editors that replace the file
// by rename are still seen.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		// Keep the periodic refresh even without notifications.
		l.logger.Warn("watch failed, relying on periodic refresh",
			zap.String("dir", dir), zap.Error(err))
	}
	name := filepath.Clean(l.path)

	// Debounce rapid saves.
	var debounce <-chan time.Time
	refresh := l.clock.After(l.refresh)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			l.logger.Debug("task config changed", zap.String("op", event.Op.String()))
			debounce = l.clock.After(200 * time.Millisecond)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("watcher error", zap.Error(err))

		case <-debounce:
			debounce = nil
			_ = l.Load()

		case <-refresh:
			refresh = l.clock.After(l.refresh)
			_ = l.Load()
		}
	}
}
