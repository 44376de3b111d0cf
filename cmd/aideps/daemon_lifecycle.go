package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"aideps/internal/apiclient"
	"aideps/internal/daemonctl"
)

const (
	daemonStartTimeout = 15 * time.Second
	daemonStopGrace    = 10 * time.Second
)

// controlClient is the API client without read retries; daemonctl polls on
// its own schedule.
func (c *commandContext) controlClient() (*apiclient.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	address := c.apiAddress(cfg)
	if address == "" {
		return nil, errors.New("daemon API is disabled; background control needs paths.api_bind or --api")
	}
	return apiclient.New(address, cfg.Paths.APIToken, apiclient.WithRetry(1, 0))
}

func (c *commandContext) launchOptions(logLevel string) daemonctl.LaunchOptions {
	return daemonctl.LaunchOptions{
		ConfigPath: c.configPath,
		APIAddress: c.apiFlagValue(),
		LogLevel:   logLevel,
	}
}

func (c *commandContext) apiFlagValue() string {
	if c.apiFlag == nil {
		return ""
	}
	return *c.apiFlag
}

func newStartCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := ctx.controlClient()
			if err != nil {
				return err
			}
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			result, err := daemonctl.EnsureStarted(cmd.Context(), client, exe, ctx.launchOptions(logLevel), daemonStartTimeout)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch result.State {
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(out, "Daemon already running (pid %d)\n", result.PID)
			default:
				fmt.Fprintf(out, "Daemon started (pid %d) at %s\n", result.PID, client.URL())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level for the launched daemon")
	return cmd
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := ctx.controlClient()
			if err != nil {
				return err
			}
			cfg, _ := ctx.ensureConfig()
			result, err := daemonctl.Stop(cmd.Context(), client, cfg.Paths.LogDir, daemonStopGrace)
			out := cmd.OutOrStdout()
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(out, "Daemon (pid %d) did not exit within %s; killed\n", result.PID, daemonStopGrace)
				return nil
			}
			fmt.Fprintf(out, "Daemon stopped (pid %d)\n", result.PID)
			return nil
		},
	}
}

func newRestartCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the background daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := ctx.controlClient()
			if err != nil {
				return err
			}
			cfg, _ := ctx.ensureConfig()
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			result, err := daemonctl.Restart(cmd.Context(), client, cfg.Paths.LogDir, exe, ctx.launchOptions(logLevel), daemonStopGrace, daemonStartTimeout)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if result.WasRunning {
				fmt.Fprintf(out, "Daemon stopped (pid %d)\n", result.Stop.PID)
			}
			fmt.Fprintf(out, "Daemon started (pid %d)\n", result.Start.PID)
			return nil
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level for the launched daemon")
	return cmd
}
