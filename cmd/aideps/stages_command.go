package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"aideps/internal/api"
	"aideps/internal/apiclient"
)

func newStagesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List the seven workflow stages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				stages, err := client.Stages(cmd.Context())
				if err != nil {
					return err
				}
				return render(cmd, ctx, api.StagesResponse{Stages: stages}, func() error {
					rows := make([][]string, 0, len(stages))
					for _, s := range stages {
						rows = append(rows, []string{strconv.Itoa(s.ID), s.Key, s.Name, s.Folder})
					}
					fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"#", "Key", "Name", "Folder"}, rows, []columnAlignment{alignRight}))
					return nil
				})
			})
		},
	}
}
