package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"loom/internal/api"
	"loom/internal/client"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List generation requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				resp, err := c.ListRequests(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, resp)
				}
				if len(resp.Requests) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No requests found")
					return nil
				}
				table := renderTable(
					[]string{"Token", "Topic", "Variant", "Status", "Progress", "Created"},
					buildRequestRows(resp.Requests),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by request status (repeatable)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of formatted output")
	return cmd
}

func buildRequestRows(requests []api.RequestView) [][]string {
	rows := make([][]string, 0, len(requests))
	for _, req := range requests {
		rows = append(rows, []string{
			req.Token,
			truncateText(req.Topic, 40),
			req.Variant,
			req.Status,
			strconv.Itoa(req.Progress) + "%",
			formatTimestamp(req.CreatedAt),
		})
	}
	return rows
}
