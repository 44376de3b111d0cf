package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"aideps/internal/logging"
)

const (
	inboxProcessedDir = "processed"
	inboxFailedDir    = "failed"
)

type ingestFunc func(ctx context.Context, path string) error

// inboxWatcher ingests files dropped into a directory once they have been
// quiet for the debounce period. Ingested files move to processed/, rejected
// ones to failed/.
type inboxWatcher struct {
	dir      string
	debounce time.Duration
	ingest   ingestFunc
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]time.Time
	started bool
	done    chan struct{}
}

func newInboxWatcher(dir string, debounce time.Duration, ingest ingestFunc, logger *slog.Logger) (*inboxWatcher, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("inbox directory not configured")
	}
	for _, sub := range []string{inboxProcessedDir, inboxFailedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create inbox directory: %w", err)
		}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &inboxWatcher{
		dir:      dir,
		debounce: debounce,
		ingest:   ingest,
		logger:   logging.NewComponentLogger(logger, "inbox"),
		watcher:  fsw,
		now:      time.Now,
		pending:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}, nil
}

func (w *inboxWatcher) start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		_ = w.watcher.Close()
		return fmt.Errorf("watch inbox: %w", err)
	}

	// Files dropped while the daemon was down.
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		_ = w.watcher.Close()
		return fmt.Errorf("scan inbox: %w", err)
	}
	queued := 0
	for _, entry := range entries {
		if entry.Type().IsRegular() && !ignoredName(entry.Name()) {
			w.touch(filepath.Join(w.dir, entry.Name()))
			queued++
		}
	}

	w.started = true
	go w.loop(ctx)
	w.logger.Info("inbox watcher started",
		logging.String("dir", w.dir),
		logging.Duration("debounce", w.debounce),
		logging.Int("queued", queued),
	)
	return nil
}

func (w *inboxWatcher) stop() {
	_ = w.watcher.Close()
	if w.started {
		<-w.done
	}
}

func (w *inboxWatcher) loop(ctx context.Context) {
	defer close(w.done)
	tick := w.debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("inbox watcher error", logging.Error(err))
		case <-ticker.C:
			for _, path := range w.ready() {
				if ctx.Err() != nil {
					return
				}
				w.process(ctx, path)
			}
		}
	}
}

func (w *inboxWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Dir(event.Name) != filepath.Clean(w.dir) || ignoredName(filepath.Base(event.Name)) {
		return
	}
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.mu.Lock()
		delete(w.pending, event.Name)
		w.mu.Unlock()
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		if info, err := os.Stat(event.Name); err == nil && info.Mode().IsRegular() {
			w.touch(event.Name)
		}
	}
}

func (w *inboxWatcher) touch(path string) {
	w.mu.Lock()
	w.pending[path] = w.now()
	w.mu.Unlock()
}

// ready removes and returns the paths that have been quiet for the debounce
// period, oldest name first.
func (w *inboxWatcher) ready() []string {
	cutoff := w.now().Add(-w.debounce)
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for path, last := range w.pending {
		if !last.After(cutoff) {
			out = append(out, path)
			delete(w.pending, path)
		}
	}
	sort.Strings(out)
	return out
}

func (w *inboxWatcher) process(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	name := filepath.Base(path)
	err := w.ingest(ctx, path)
	target := inboxProcessedDir
	if err != nil {
		target = inboxFailedDir
		logging.WarnWithContext(w.logger, "inbox file rejected", "inbox_rejected",
			logging.String("file", name),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "inspect the file under inbox/failed and upload it again"),
		)
	}
	if moveErr := moveUnique(path, filepath.Join(w.dir, target)); moveErr != nil {
		w.logger.Warn("failed to move inbox file",
			logging.String("file", name),
			logging.String("target", target),
			logging.Error(moveErr),
		)
	}
}

// moveUnique renames path into dir, suffixing the name when it is taken.
func moveUnique(path, dir string) error {
	name := filepath.Base(path)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	dest := filepath.Join(dir, name)
	for i := 1; ; i++ {
		if _, err := os.Lstat(dest); errors.Is(err, os.ErrNotExist) {
			break
		}
		dest = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
	}
	return os.Rename(path, dest)
}

func ignoredName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part") || strings.HasSuffix(name, "~")
}
