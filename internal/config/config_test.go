package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"aideps/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("AIDEPS_API_TOKEN", "env-token")
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "aideps")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Paths.APIBind != "127.0.0.1:7488" {
		t.Fatalf("unexpected api bind: %q", cfg.Paths.APIBind)
	}
	if cfg.Paths.APIToken != "env-token" {
		t.Fatalf("expected api token from env, got %q", cfg.Paths.APIToken)
	}
	if cfg.Upload.MaxBytes != 100*1024*1024 {
		t.Fatalf("unexpected max upload bytes: %d", cfg.Upload.MaxBytes)
	}
	if cfg.SaveTimeout() != 10*time.Second {
		t.Fatalf("unexpected save timeout: %s", cfg.SaveTimeout())
	}
	if cfg.DatabasePath() != filepath.Join(wantData, "aideps.db") {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath())
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir, cfg.InstancesDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
	if _, err := os.Stat(cfg.Paths.InboxDir); !os.IsNotExist(err) {
		t.Fatalf("expected inbox dir to be skipped while inbox is disabled, stat err=%v", err)
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "aideps.toml")

	type payload struct {
		Paths struct {
			DataDir string `toml:"data_dir"`
		} `toml:"paths"`
		Upload struct {
			AllowedExtensions []string `toml:"allowed_extensions"`
		} `toml:"upload"`
		Persistence struct {
			SaveRetryAttempts int `toml:"save_retry_attempts"`
		} `toml:"persistence"`
		Logging struct {
			Format string `toml:"format"`
		} `toml:"logging"`
	}
	custom := payload{}
	custom.Paths.DataDir = filepath.Join(tempDir, "data")
	custom.Upload.AllowedExtensions = []string{"CSV", ".csv", " .tsv "}
	custom.Persistence.SaveRetryAttempts = 5
	custom.Logging.Format = "JSON"

	encoded, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, encoded, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("expected custom path to be used, got %q exists=%v", resolved, exists)
	}
	if cfg.Paths.DataDir != filepath.Join(tempDir, "data") {
		t.Fatalf("unexpected data dir: %q", cfg.Paths.DataDir)
	}
	if got := strings.Join(cfg.Upload.AllowedExtensions, ","); got != ".csv,.tsv" {
		t.Fatalf("unexpected normalized extensions: %q", got)
	}
	if !cfg.ExtensionAllowed("survey.TSV") {
		t.Fatal("expected .tsv to be allowed")
	}
	if cfg.ExtensionAllowed("survey.xlsx") {
		t.Fatal("expected .xlsx to be rejected when the list is overridden")
	}
	if cfg.Persistence.SaveRetryAttempts != 5 {
		t.Fatalf("unexpected retry attempts: %d", cfg.Persistence.SaveRetryAttempts)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected json log format, got %q", cfg.Logging.Format)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "retry attempts",
			mutate: func(c *config.Config) { c.Persistence.SaveRetryAttempts = -1 },
			want:   "persistence.save_retry_attempts",
		},
		{
			name:   "too many retries",
			mutate: func(c *config.Config) { c.Persistence.SaveRetryAttempts = 50 },
			want:   "at most",
		},
		{
			name:   "idle timeout below janitor",
			mutate: func(c *config.Config) { c.Workflow.SessionIdleTimeout = 45; c.Workflow.JanitorInterval = 60 },
			want:   "workflow.session_idle_timeout",
		},
		{
			name:   "bind address",
			mutate: func(c *config.Config) { c.Paths.APIBind = "localhost" },
			want:   "paths.api_bind",
		},
		{
			name:   "upload size",
			mutate: func(c *config.Config) { c.Upload.MaxBytes = -5 },
			want:   "upload.max_bytes",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Paths.DataDir = t.TempDir()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateSchemaDirMustExist(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Stages.SchemaDir = filepath.Join(t.TempDir(), "missing")
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing schema dir to fail validation")
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample returned error: %v", err)
	}
	t.Setenv("HOME", t.TempDir())
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config failed to load: %v", err)
	}
	if !exists {
		t.Fatal("expected sample config to exist")
	}
	if cfg.Persistence.SaveRetryAttempts != 3 {
		t.Fatalf("sample should keep default retry attempts, got %d", cfg.Persistence.SaveRetryAttempts)
	}
}
