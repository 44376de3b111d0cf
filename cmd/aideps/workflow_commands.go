package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"aideps/internal/api"
	"aideps/internal/apiclient"
	"aideps/internal/stage"
)

func newWorkflowCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Drive a document through the seven preparation stages",
	}
	cmd.AddCommand(newWorkflowStartCommand(ctx))
	cmd.AddCommand(newWorkflowShowCommand(ctx))
	cmd.AddCommand(newWorkflowListCommand(ctx))
	cmd.AddCommand(newWorkflowHistoryCommand(ctx))
	cmd.AddCommand(newWorkflowAbandonCommand(ctx))
	cmd.AddCommand(newWorkflowPayloadCommand(ctx))
	cmd.AddCommand(newWorkflowDraftCommand(ctx))
	cmd.AddCommand(newWorkflowReviewCommand(ctx))
	cmd.AddCommand(newWorkflowBackCommand(ctx))
	for _, action := range []stageAction{completeAction, editAction, navigateAction} {
		cmd.AddCommand(newWorkflowStageCommand(ctx, action))
	}
	return cmd
}

func newWorkflowStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start <document-id>",
		Short: "Start or resume the workflow of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				wf, err := client.StartWorkflow(cmd.Context(), args[0])
				return printWorkflow(cmd, ctx, wf, err)
			})
		},
	}
}

func newWorkflowShowCommand(ctx *commandContext) *cobra.Command {
	var withPayloads bool
	cmd := &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show stage states of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				var (
					wf  *api.Workflow
					err error
				)
				if withPayloads || ctx.output() != outputText {
					wf, err = client.Workflow(cmd.Context(), args[0])
				} else {
					wf, err = client.WorkflowStatus(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				return render(cmd, ctx, wf, func() error {
					out := cmd.OutOrStdout()
					writeWorkflow(out, wf, shouldColorize(out))
					if withPayloads {
						writePayloads(out, wf)
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVar(&withPayloads, "payloads", false, "Print stage payloads")
	return cmd
}

func newWorkflowListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted workflows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				list, err := client.Workflows(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				return render(cmd, ctx, api.WorkflowListResponse{Workflows: list}, func() error {
					out := cmd.OutOrStdout()
					if len(list) == 0 {
						fmt.Fprintln(out, "No workflows")
						return nil
					}
					fmt.Fprint(out, renderWorkflowList(list))
					return nil
				})
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (active, completed)")
	return cmd
}

func newWorkflowHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <workflow-id>",
		Short: "Show the audit trail of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				entries, err := client.History(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				return render(cmd, ctx, api.HistoryResponse{Entries: entries}, func() error {
					out := cmd.OutOrStdout()
					if len(entries) == 0 {
						fmt.Fprintln(out, "No history")
						return nil
					}
					fmt.Fprint(out, renderHistory(entries))
					return nil
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show only the most recent entries")
	return cmd
}

func newWorkflowAbandonCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <workflow-id>",
		Short: "Drop the in-memory session; saved progress is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				resp, err := client.Abandon(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return render(cmd, ctx, resp, func() error {
					if resp.Dropped {
						fmt.Fprintf(cmd.OutOrStdout(), "Session for %s closed; saved stages are kept\n", resp.WorkflowID)
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s had no open session\n", resp.WorkflowID)
					}
					return nil
				})
			})
		},
	}
}

func newWorkflowPayloadCommand(ctx *commandContext) *cobra.Command {
	var input payloadInput
	cmd := &cobra.Command{
		Use:   "payload <workflow-id> <stage>",
		Short: "Record the JSON payload of a stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := stage.Parse(args[1])
			if err != nil {
				return err
			}
			payload, err := input.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if payload == nil {
				return errors.New("payload required: pass --data or --file")
			}
			return ctx.withClient(func(client *apiclient.Client) error {
				wf, err := client.RecordPayload(cmd.Context(), args[0], id, payload)
				return printWorkflow(cmd, ctx, wf, err)
			})
		},
	}
	input.register(cmd)
	return cmd
}

func newWorkflowDraftCommand(ctx *commandContext) *cobra.Command {
	var input payloadInput
	cmd := &cobra.Command{
		Use:   "draft <workflow-id> <stage>",
		Short: "Save the current stage payload without completing it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := stage.Parse(args[1])
			if err != nil {
				return err
			}
			payload, err := input.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *apiclient.Client) error {
				wf, err := client.SaveDraft(cmd.Context(), args[0], id, payload)
				return printWorkflow(cmd, ctx, wf, err)
			})
		},
	}
	input.register(cmd)
	return cmd
}

func newWorkflowReviewCommand(ctx *commandContext) *cobra.Command {
	var input payloadInput
	cmd := &cobra.Command{
		Use:   "review <workflow-id> <stage>",
		Short: "Record review actions on a stage without changing progress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := stage.Parse(args[1])
			if err != nil {
				return err
			}
			actions, err := input.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if actions == nil {
				return errors.New("review actions required: pass --data or --file")
			}
			return ctx.withClient(func(client *apiclient.Client) error {
				review, err := client.Review(cmd.Context(), args[0], id, actions)
				if err != nil {
					return err
				}
				return render(cmd, ctx, review, func() error {
					fmt.Fprintf(cmd.OutOrStdout(), "Stage %d (%s) reviewed; status %s\n",
						review.Stage, review.StageName, review.Status)
					return nil
				})
			})
		},
	}
	input.register(cmd)
	return cmd
}

func newWorkflowBackCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "back <workflow-id>",
		Short: "Move to the previous stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				wf, err := client.Back(cmd.Context(), args[0])
				return printWorkflow(cmd, ctx, wf, err)
			})
		},
	}
}

type stageAction struct {
	use   string
	short string
	call  func(*apiclient.Client, context.Context, string, stage.ID) (*api.Workflow, error)
}

var (
	completeAction = stageAction{
		use:   "complete",
		short: "Validate and save the current stage, then advance",
		call:  (*apiclient.Client).Complete,
	}
	editAction = stageAction{
		use:   "edit",
		short: "Reopen a completed stage; later stages with payloads become stale",
		call:  (*apiclient.Client).Edit,
	}
	navigateAction = stageAction{
		use:   "navigate",
		short: "Jump to a completed stage or the next open one",
		call:  (*apiclient.Client).Navigate,
	}
)

func newWorkflowStageCommand(ctx *commandContext, action stageAction) *cobra.Command {
	return &cobra.Command{
		Use:   action.use + " <workflow-id> <stage>",
		Short: action.short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := stage.Parse(args[1])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *apiclient.Client) error {
				wf, err := action.call(client, cmd.Context(), args[0], id)
				return printWorkflow(cmd, ctx, wf, err)
			})
		},
	}
}

func printWorkflow(cmd *cobra.Command, ctx *commandContext, wf *api.Workflow, err error) error {
	if err != nil {
		return err
	}
	return render(cmd, ctx, wf, func() error {
		out := cmd.OutOrStdout()
		writeWorkflow(out, wf, shouldColorize(out))
		return nil
	})
}

// payloadInput reads a stage payload from --data or --file ("-" for stdin).
type payloadInput struct {
	data string
	file string
}

func (p *payloadInput) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&p.data, "data", "d", "", "Payload as a JSON object")
	cmd.Flags().StringVarP(&p.file, "file", "f", "", "Read the payload from a file, or - for stdin")
	cmd.MarkFlagsMutuallyExclusive("data", "file")
}

// read returns nil when neither flag is set.
func (p *payloadInput) read(stdin io.Reader) (json.RawMessage, error) {
	var raw []byte
	switch {
	case strings.TrimSpace(p.data) != "":
		raw = []byte(p.data)
	case p.file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = data
	case p.file != "":
		data, err := os.ReadFile(p.file)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		raw = data
	default:
		return nil, nil
	}
	raw = bytes.TrimSpace(raw)
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
