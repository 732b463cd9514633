// Package watcher re-runs incremental ingestion when source files appear in the data folder.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/core/ports"
)

const DefaultDebounce = 2 * time.Second

type Option func(*Watcher)

// WithRunCallback is called after every ingestion pass, successful or not.
func WithRunCallback(fn func(*domain.IngestionReport, error)) Option {
	return func(w *Watcher) { w.onRun = fn }
}

type Watcher struct {
	dir      string
	match    func(name string) bool
	ingestor ports.Ingestor
	debounce time.Duration
	onRun    func(*domain.IngestionReport, error)
}

// New watches dir. match filters base names; a nil match accepts every file.
func New(dir string, match func(name string) bool, ingestor ports.Ingestor, debounce time.Duration, opts ...Option) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if match == nil {
		match = func(string) bool { return true }
	}
	w := &Watcher{dir: dir, match: match, ingestor: ingestor, debounce: debounce}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run performs one ingestion pass, then another after each burst of relevant file events.
// It blocks until ctx is done. Failed passes are logged; the next event retries.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return domain.WrapError(domain.ErrConfig, "watch data folder", err)
	}
	slog.Info("watch_started", "dir", w.dir, "debounce_ms", w.debounce.Milliseconds())

	w.ingest(ctx)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	pending := false
	for {
		select {
		case <-ctx.Done():
			slog.Info("watch_stopped", "dir", w.dir)
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			slog.Debug("watch_event", "file", filepath.Base(event.Name), "op", event.Op.String())
			pending = true
			timer.Reset(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch_error", "dir", w.dir, "error", err)
		case <-timer.C:
			if pending {
				pending = false
				w.ingest(ctx)
			}
		}
	}
}

// relevant accepts creates and writes of matching regular files. Removals do not shrink the
// index, so they are ignored.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}
	if !w.match(filepath.Base(event.Name)) {
		return false
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

func (w *Watcher) ingest(ctx context.Context) {
	report, err := w.ingestor.Run(ctx)
	if err != nil && ctx.Err() == nil {
		slog.Error("watch_ingest_failed", "dir", w.dir, "error", err)
	}
	if w.onRun != nil {
		w.onRun(report, err)
	}
}
