package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeUpload()
	if err := c.normalizeStages(); err != nil {
		return err
	}
	c.normalizePersistence()
	c.normalizeWorkflow()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.InboxDir) == "" {
		c.Paths.InboxDir = defaultInboxDir
	}
	if c.Paths.InboxDir, err = expandPath(c.Paths.InboxDir); err != nil {
		return fmt.Errorf("paths.inbox_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("AIDEPS_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeUpload() {
	if c.Upload.MaxBytes == 0 {
		c.Upload.MaxBytes = defaultMaxUploadBytes
	}
	if len(c.Upload.AllowedExtensions) == 0 {
		c.Upload.AllowedExtensions = defaultAllowedExtensions()
		return
	}
	exts := make([]string, 0, len(c.Upload.AllowedExtensions))
	seen := make(map[string]struct{}, len(c.Upload.AllowedExtensions))
	for _, ext := range c.Upload.AllowedExtensions {
		normalized := strings.ToLower(strings.TrimSpace(ext))
		if normalized == "" {
			continue
		}
		if !strings.HasPrefix(normalized, ".") {
			normalized = "." + normalized
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		exts = append(exts, normalized)
	}
	c.Upload.AllowedExtensions = exts
}

func (c *Config) normalizeStages() error {
	if strings.TrimSpace(c.Stages.SchemaDir) == "" {
		c.Stages.SchemaDir = ""
		return nil
	}
	var err error
	if c.Stages.SchemaDir, err = expandPath(c.Stages.SchemaDir); err != nil {
		return fmt.Errorf("stages.schema_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizePersistence() {
	if c.Persistence.SaveTimeoutSeconds == 0 {
		c.Persistence.SaveTimeoutSeconds = defaultSaveTimeoutSeconds
	}
	if c.Persistence.SaveRetryAttempts == 0 {
		c.Persistence.SaveRetryAttempts = defaultSaveRetryAttempts
	}
	if c.Persistence.SaveRetryDelayMS < 0 {
		c.Persistence.SaveRetryDelayMS = 0
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.SessionIdleTimeout == 0 {
		c.Workflow.SessionIdleTimeout = defaultSessionIdleTimeout
	}
	if c.Workflow.JanitorInterval == 0 {
		c.Workflow.JanitorInterval = defaultJanitorInterval
	}
	if c.Inbox.DebounceMS <= 0 {
		c.Inbox.DebounceMS = defaultInboxDebounceMS
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("AIDEPS_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
