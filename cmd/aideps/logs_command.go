package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"aideps/internal/logging"
	"aideps/internal/logs"
)

const logsFollowWait = 5 * time.Second

type logsOptions struct {
	lines  int
	follow bool
	raw    bool
	filter logs.Filter
}

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var opts logsOptions
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the daemon log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.Paths.LogDir, logging.LogFileName)
			err = showLogs(cmd.Context(), cmd.OutOrStdout(), path, opts)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&opts.lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Keep printing new lines")
	cmd.Flags().BoolVar(&opts.raw, "raw", false, "Print JSON lines unformatted")
	cmd.Flags().StringVar(&opts.filter.MinLevel, "level", "", "Minimum level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.filter.Component, "component", "", "Only show this component")
	cmd.Flags().StringVar(&opts.filter.WorkflowID, "workflow", "", "Only show this workflow id")
	cmd.Flags().StringVar(&opts.filter.Search, "search", "", "Only show lines containing text")
	return cmd
}

func showLogs(ctx context.Context, out io.Writer, path string, opts logsOptions) error {
	result, err := logs.Tail(ctx, path, logs.TailOptions{Offset: -1, Limit: opts.lines})
	if err != nil {
		return err
	}
	printLogLines(out, result.Lines, opts)
	if !opts.follow {
		return nil
	}
	offset := result.Offset
	for {
		result, err = logs.Tail(ctx, path, logs.TailOptions{Offset: offset, Follow: true, Wait: logsFollowWait})
		if err != nil {
			return err
		}
		printLogLines(out, result.Lines, opts)
		offset = result.Offset
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func printLogLines(out io.Writer, lines []string, opts logsOptions) {
	for _, line := range lines {
		entry, ok := logs.ParseLine(line)
		if !ok {
			// Unparseable lines cannot be filtered; show them only unfiltered.
			if opts.raw && opts.filter == (logs.Filter{}) {
				fmt.Fprintln(out, line)
			}
			continue
		}
		if !opts.filter.Match(entry) {
			continue
		}
		if opts.raw {
			fmt.Fprintln(out, line)
			continue
		}
		fmt.Fprintln(out, logs.Format(entry))
	}
}
