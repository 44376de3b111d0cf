package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"aideps/internal/api"
	"aideps/internal/apiclient"
	"aideps/internal/config"
)

func newDocumentCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "document",
		Aliases: []string{"doc"},
		Short:   "Ingest and inspect survey documents",
	}
	cmd.AddCommand(newDocumentAddCommand(ctx))
	cmd.AddCommand(newDocumentShowCommand(ctx))
	cmd.AddCommand(newDocumentListCommand(ctx))
	cmd.AddCommand(newDocumentPreviewCommand(ctx))
	cmd.AddCommand(newDocumentSchemaCommand(ctx))
	return cmd
}

func newDocumentAddCommand(ctx *commandContext) *cobra.Command {
	var req api.IngestRequest
	cmd := &cobra.Command{
		Use:   "add <file>",
		Short: "Ingest a CSV or Excel file and start its workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ExpandPath(args[0])
			if err != nil {
				return err
			}
			if req.Path, err = filepath.Abs(path); err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			return ctx.withClient(func(client *apiclient.Client) error {
				resp, err := client.Ingest(cmd.Context(), req)
				if err != nil {
					return err
				}
				return render(cmd, ctx, resp, func() error {
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "Ingested %s as document %s\n", resp.Document.Filename, resp.Document.ID)
					fmt.Fprintf(out, "Name: %s (%s, %s rows)\n", resp.Document.Name,
						humanize.IBytes(uint64(resp.Document.FileSize)), humanize.Comma(int64(resp.Document.RowCount)))
					fmt.Fprintf(out, "Workflow %s is at stage %d (%s)\n", resp.Workflow.WorkflowID, resp.Workflow.CurrentStage, resp.Workflow.CurrentStageKey)
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "Display name (defaults to the file name)")
	cmd.Flags().StringVar(&req.Organization, "organization", "", "Organization that ran the survey")
	cmd.Flags().StringVar(&req.SurveyType, "survey-type", "", "Survey type label")
	return cmd
}

func newDocumentShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <document-id>",
		Short: "Show one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				doc, err := client.Document(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return render(cmd, ctx, doc, func() error {
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "ID:           %s\n", doc.ID)
					fmt.Fprintf(out, "Name:         %s\n", doc.Name)
					fmt.Fprintf(out, "File:         %s (%s)\n", doc.Filename, humanize.IBytes(uint64(doc.FileSize)))
					if doc.Organization != "" {
						fmt.Fprintf(out, "Organization: %s\n", doc.Organization)
					}
					if doc.SurveyType != "" {
						fmt.Fprintf(out, "Survey type:  %s\n", doc.SurveyType)
					}
					fmt.Fprintf(out, "Rows:         %s\n", humanize.Comma(int64(doc.RowCount)))
					if len(doc.Columns) > 0 {
						fmt.Fprintf(out, "Columns:      %s\n", strings.Join(doc.Columns, ", "))
					}
					fmt.Fprintf(out, "Created:      %s\n", relativeTime(doc.CreatedAt))
					return nil
				})
			})
		},
	}
}

func newDocumentListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List ingested documents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				docs, err := client.Documents(cmd.Context())
				if err != nil {
					return err
				}
				return render(cmd, ctx, api.DocumentListResponse{Documents: docs}, func() error {
					out := cmd.OutOrStdout()
					if len(docs) == 0 {
						fmt.Fprintln(out, "No documents")
						return nil
					}
					rows := make([][]string, 0, len(docs))
					for _, doc := range docs {
						rows = append(rows, []string{
							doc.ID,
							doc.Name,
							doc.Filename,
							humanize.IBytes(uint64(doc.FileSize)),
							strconv.Itoa(doc.RowCount),
							relativeTime(doc.CreatedAt),
						})
					}
					fmt.Fprint(out, renderTable(
						[]string{"ID", "Name", "File", "Size", "Rows", "Created"},
						rows,
						[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
					))
					return nil
				})
			})
		},
	}
}

func newDocumentPreviewCommand(ctx *commandContext) *cobra.Command {
	var rows int
	cmd := &cobra.Command{
		Use:   "preview <document-id>",
		Short: "Show the first rows of a CSV document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				preview, err := client.Preview(cmd.Context(), args[0], rows)
				if err != nil {
					return err
				}
				return render(cmd, ctx, preview, func() error {
					out := cmd.OutOrStdout()
					headers := make([]string, len(preview.Columns))
					aligns := make([]columnAlignment, len(preview.Columns))
					for i, col := range preview.Columns {
						headers[i] = col
						switch kind := preview.Types[col]; kind {
						case "":
						case "integer", "number":
							headers[i] = fmt.Sprintf("%s (%s)", col, kind)
							aligns[i] = alignRight
						default:
							headers[i] = fmt.Sprintf("%s (%s)", col, kind)
						}
					}
					body := make([][]string, 0, len(preview.Rows))
					for _, row := range preview.Rows {
						line := make([]string, len(preview.Columns))
						for i, col := range preview.Columns {
							line[i] = row[col]
						}
						body = append(body, line)
					}
					fmt.Fprint(out, renderTable(headers, body, aligns))
					fmt.Fprintf(out, "%d rows shown (%s)\n", len(preview.Rows), preview.Encoding)
					return nil
				})
			})
		},
	}
	cmd.Flags().IntVarP(&rows, "rows", "n", 0, "Number of rows to show (default 10)")
	return cmd
}

func newDocumentSchemaCommand(ctx *commandContext) *cobra.Command {
	var input payloadInput
	cmd := &cobra.Command{
		Use:   "schema <document-id>",
		Short: "Store the column mapping of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mapping, err := input.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if mapping == nil {
				return errors.New("mapping required: pass --data or --file")
			}
			return ctx.withClient(func(client *apiclient.Client) error {
				doc, err := client.UpdateSchema(cmd.Context(), args[0], mapping)
				if err != nil {
					return err
				}
				return render(cmd, ctx, doc, func() error {
					fmt.Fprintf(cmd.OutOrStdout(), "Schema mapping saved for document %s\n", doc.ID)
					return nil
				})
			})
		},
	}
	input.register(cmd)
	return cmd
}

// relativeTime renders an API timestamp as "3 minutes ago"; unparseable
// values are returned as-is.
func relativeTime(value string) string {
	if value == "" {
		return "-"
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return value
	}
	return humanize.Time(ts)
}
