package datadir

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"aideps/internal/logging"
)

// CleanupResult contains the outcome of an orphan cleanup.
type CleanupResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// CleanOrphaned removes instance folders older than minAge whose id is not
// in known. Folders left behind by an interrupted ingest have no document
// record.
func (l *Layout) CleanOrphaned(known map[string]struct{}, minAge time.Duration, logger *slog.Logger) CleanupResult {
	result := CleanupResult{}
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: l.Root, Error: err})
		}
		return result
	}

	cutoff := l.now().Add(-minAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := known[entry.Name()]; ok {
			continue
		}
		dirPath := filepath.Join(l.Root, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(dirPath); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			if logger != nil {
				logger.Warn("failed to remove orphaned instance folder",
					logging.String("path", dirPath),
					logging.Error(err),
					logging.String(logging.FieldEventType, "instance_cleanup_failed"),
					logging.String(logging.FieldErrorHint, "check data_dir permissions"),
					logging.String(logging.FieldImpact, "disk space not reclaimed"),
				)
			}
			continue
		}
		result.Removed = append(result.Removed, dirPath)
		if logger != nil {
			logger.Info("removed orphaned instance folder",
				logging.String("path", dirPath),
				logging.String(logging.FieldEventType, "instance_cleanup"),
			)
		}
	}
	return result
}
