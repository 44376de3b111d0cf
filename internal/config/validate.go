package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateUpload(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validatePersistence(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if _, _, err := net.SplitHostPort(c.Paths.APIBind); err != nil {
		return fmt.Errorf("paths.api_bind must be host:port: %w", err)
	}
	return nil
}

func (c *Config) validateUpload() error {
	if c.Upload.MaxBytes <= 0 {
		return errors.New("upload.max_bytes must be positive")
	}
	if len(c.Upload.AllowedExtensions) == 0 {
		return errors.New("upload.allowed_extensions must include at least one extension")
	}
	return nil
}

func (c *Config) validateStages() error {
	if c.Stages.SchemaDir == "" {
		return nil
	}
	info, err := os.Stat(c.Stages.SchemaDir)
	if err != nil {
		return fmt.Errorf("stages.schema_dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("stages.schema_dir %q is not a directory", c.Stages.SchemaDir)
	}
	return nil
}

func (c *Config) validatePersistence() error {
	if err := ensurePositiveMap(map[string]int{
		"persistence.save_timeout_seconds": c.Persistence.SaveTimeoutSeconds,
		"persistence.save_retry_attempts":  c.Persistence.SaveRetryAttempts,
	}); err != nil {
		return err
	}
	if c.Persistence.SaveRetryAttempts > maxSaveRetryAttempts {
		return fmt.Errorf("persistence.save_retry_attempts must be at most %d", maxSaveRetryAttempts)
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.janitor_interval":     c.Workflow.JanitorInterval,
		"notifications.request_timeout": c.Notifications.RequestTimeout,
	}); err != nil {
		return err
	}
	if c.Workflow.SessionIdleTimeout < minSessionIdleTimeoutSeconds {
		return fmt.Errorf("workflow.session_idle_timeout must be at least %d seconds", minSessionIdleTimeoutSeconds)
	}
	if c.Workflow.SessionIdleTimeout <= c.Workflow.JanitorInterval {
		return errors.New("workflow.session_idle_timeout must be greater than workflow.janitor_interval")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
