package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	InboxDir string `toml:"inbox_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Upload controls which source files are admitted as documents.
type Upload struct {
	MaxBytes          int64    `toml:"max_bytes"`
	AllowedExtensions []string `toml:"allowed_extensions"`
}

// Stages configures stage validation.
type Stages struct {
	// SchemaDir optionally holds <stage key>.json files that replace the
	// built-in completion schemas.
	SchemaDir string `toml:"schema_dir"`
}

// Persistence tunes how stage completions are written to the store.
type Persistence struct {
	SaveTimeoutSeconds int `toml:"save_timeout_seconds"`
	SaveRetryAttempts  int `toml:"save_retry_attempts"`
	SaveRetryDelayMS   int `toml:"save_retry_delay_ms"`
}

// Workflow contains session lifecycle settings.
type Workflow struct {
	SessionIdleTimeout int `toml:"session_idle_timeout"`
	JanitorInterval    int `toml:"janitor_interval"`
}

// Inbox controls the drop-folder watcher.
type Inbox struct {
	Enabled    bool `toml:"enabled"`
	DebounceMS int  `toml:"debounce_ms"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Ingest         bool   `toml:"ingest"`
	Completion     bool   `toml:"completion"`
	Errors         bool   `toml:"errors"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for aideps.
//
// Configuration sections by subsystem:
//   - Paths: data, log, and inbox directories plus the API bind address
//   - Upload: admitted file extensions and size limit
//   - Stages: completion schema overrides
//   - Persistence: stage completion timeout and retry budget
//   - Workflow: idle session eviction
//   - Inbox: drop-folder watcher
//   - Notifications: ntfy push notification settings
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Upload        Upload        `toml:"upload"`
	Stages        Stages        `toml:"stages"`
	Persistence   Persistence   `toml:"persistence"`
	Workflow      Workflow      `toml:"workflow"`
	Inbox         Inbox         `toml:"inbox"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("aideps.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir, c.InstancesDir()}
	if c.Inbox.Enabled {
		dirs = append(dirs, c.Paths.InboxDir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "aideps.db")
}

// InstancesDir returns the root of the per-document folder trees.
func (c *Config) InstancesDir() string {
	return filepath.Join(c.Paths.DataDir, "instances")
}

// SaveTimeout is the per-attempt deadline for a stage completion write.
func (c *Config) SaveTimeout() time.Duration {
	return time.Duration(c.Persistence.SaveTimeoutSeconds) * time.Second
}

// SaveRetryDelay is the base delay between stage completion write attempts.
func (c *Config) SaveRetryDelay() time.Duration {
	return time.Duration(c.Persistence.SaveRetryDelayMS) * time.Millisecond
}

// SessionIdleTimeout is how long an untouched workflow session stays in memory.
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.Workflow.SessionIdleTimeout) * time.Second
}

// JanitorInterval is how often idle sessions are swept.
func (c *Config) JanitorInterval() time.Duration {
	return time.Duration(c.Workflow.JanitorInterval) * time.Second
}

// InboxDebounce is the quiet period before a dropped file is ingested.
func (c *Config) InboxDebounce() time.Duration {
	return time.Duration(c.Inbox.DebounceMS) * time.Millisecond
}

// ExtensionAllowed reports whether the file name carries an admitted extension.
func (c *Config) ExtensionAllowed(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range c.Upload.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
