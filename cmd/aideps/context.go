package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"aideps/internal/apiclient"
	"aideps/internal/config"
)

type outputFormat int

const (
	outputText outputFormat = iota
	outputJSON
	outputYAML
)

type commandContext struct {
	apiFlag    *string
	configFlag *string
	jsonFlag   *bool
	yamlFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(apiFlag, configFlag *string, jsonFlag, yamlFlag *bool) *commandContext {
	return &commandContext{
		apiFlag:    apiFlag,
		configFlag: configFlag,
		jsonFlag:   jsonFlag,
		yamlFlag:   yamlFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, path, _, err := config.Load(c.configFlagValue())
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = path
	})
	return c.config, c.configErr
}

func (c *commandContext) configFlagValue() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) output() outputFormat {
	switch {
	case c.jsonFlag != nil && *c.jsonFlag:
		return outputJSON
	case c.yamlFlag != nil && *c.yamlFlag:
		return outputYAML
	default:
		return outputText
	}
}

// apiAddress prefers --api over the configured bind address.
func (c *commandContext) apiAddress(cfg *config.Config) string {
	if c.apiFlag != nil {
		if value := strings.TrimSpace(*c.apiFlag); value != "" {
			return value
		}
	}
	if cfg == nil {
		return ""
	}
	return cfg.Paths.APIBind
}

func (c *commandContext) client() (*apiclient.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	address := c.apiAddress(cfg)
	if address == "" {
		return nil, errors.New("daemon API is disabled; set paths.api_bind or pass --api")
	}
	return apiclient.New(address, cfg.Paths.APIToken)
}

func (c *commandContext) withClient(fn func(*apiclient.Client) error) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	return fn(client)
}

// formatError adds the unmet completion conditions of a validation failure
// and a start hint when the daemon is down.
func formatError(err error) string {
	var apiErr *apiclient.Error
	if errors.As(err, &apiErr) {
		var b strings.Builder
		b.WriteString("error: ")
		b.WriteString(apiErr.Error())
		for _, cond := range apiErr.Unmet {
			fmt.Fprintf(&b, "\n  - %s", cond)
		}
		if apiErr.Retryable {
			b.WriteString("\nThe daemon could not save the change; retry shortly.")
		}
		return b.String()
	}
	if errors.Is(err, apiclient.ErrDaemonUnavailable) {
		return fmt.Sprintf("error: %v\nStart the daemon with `aideps daemon`.", err)
	}
	return "error: " + err.Error()
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
