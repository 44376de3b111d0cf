package preflight

import (
	"context"

	"aideps/internal/config"
)

// minFreeFloor is the free-space floor applied when the upload limit is
// smaller. Each upload is stored twice (original and normalized copy).
const minFreeFloor int64 = 64 << 20

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("Data directory", cfg.Paths.DataDir))
	results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	results = append(results, CheckDiskSpace("Data volume", cfg.Paths.DataDir, RequiredFreeBytes(cfg)))

	if cfg.Inbox.Enabled {
		results = append(results, CheckDirectoryAccess("Inbox directory", cfg.Paths.InboxDir))
	}

	if cfg.Notifications.NtfyTopic != "" {
		results = append(results, CheckNtfy(ctx, cfg.Notifications.NtfyTopic))
	}

	return results
}

// RequiredFreeBytes is the free space needed to accept one maximum-size upload.
func RequiredFreeBytes(cfg *config.Config) int64 {
	need := 2 * cfg.Upload.MaxBytes
	if need < minFreeFloor {
		need = minFreeFloor
	}
	return need
}

// Failed returns the checks that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
