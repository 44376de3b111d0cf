package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"aideps/internal/api"
	"aideps/internal/apiclient"
	"aideps/internal/daemonrun"
	"aideps/internal/preflight"
)

type statusReport struct {
	Daemon *api.DaemonStatus   `json:"daemon,omitempty"`
	Health *api.HealthResponse `json:"health,omitempty"`
	// Local holds preflight results when the daemon is unreachable.
	Local []preflight.Result `json:"local,omitempty"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, storage, and stage schema status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}

			report := statusReport{}
			status, err := client.Status(cmd.Context())
			switch {
			case errors.Is(err, apiclient.ErrDaemonUnavailable):
				report.Local = preflight.RunAll(cmd.Context(), cfg)
			case err != nil:
				return err
			default:
				report.Daemon = status
				if report.Health, err = client.Health(cmd.Context()); err != nil {
					return err
				}
			}

			return render(cmd, ctx, report, func() error {
				out := cmd.OutOrStdout()
				w := newStatusWriter(out)

				w.section("Daemon")
				if report.Daemon == nil {
					detail := "not reachable at " + client.URL()
					if pid := daemonrun.ReadPID(cfg.Paths.LogDir); pid > 0 {
						detail += fmt.Sprintf(" (pid file names %d)", pid)
					}
					w.line("Daemon", statusError, detail)
					w.blank()
					w.section("Local Checks")
					w.checks(api.FromPreflight(report.Local).Checks)
					return nil
				}

				d := report.Daemon
				w.line("Daemon", statusOK, fmt.Sprintf("running (pid %d) at %s", d.PID, client.URL()))
				w.line("Database", statusInfo, d.DatabasePath)
				w.line("Data directory", statusInfo, d.DataDir)
				if d.InboxDir != "" {
					w.line("Inbox", statusInfo, d.InboxDir)
				}
				w.blank()

				w.section("Health")
				w.checks(report.Health.Checks)
				w.blank()

				w.section("Stage Schemas")
				for _, h := range d.StageHealth {
					kind := statusOK
					if !h.Ready {
						kind = statusWarn
					}
					w.line(h.Name, kind, h.Detail)
				}
				w.blank()

				w.section("Workflows")
				rows := [][]string{
					{"documents", strconv.Itoa(d.Documents)},
					{"active sessions", strconv.Itoa(d.ActiveSessions)},
					{"completed stages", strconv.Itoa(d.CompletedStages)},
				}
				statuses := make([]string, 0, len(d.Workflows))
				for status := range d.Workflows {
					statuses = append(statuses, status)
				}
				sort.Strings(statuses)
				for _, status := range statuses {
					rows = append(rows, []string{"workflows " + status, strconv.Itoa(d.Workflows[status])})
				}
				fmt.Fprint(out, renderTable([]string{"Metric", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
}
