package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"loom/internal/client"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, queue, and request status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				status, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, status)
				}

				stdout := cmd.OutOrStdout()
				colorize := shouldColorize(stdout)

				for _, line := range renderSectionHeader("Daemon", colorize) {
					fmt.Fprintln(stdout, line)
				}
				runningKind := statusOK
				if !status.Running {
					runningKind = statusError
				}
				fmt.Fprintln(stdout, renderStatusLine("Running", runningKind, fmt.Sprintf("pid %d", status.PID), colorize))
				consumerKind := statusOK
				consumerMsg := "processing"
				if !status.Consumer.Running {
					consumerKind = statusWarn
					consumerMsg = "stopped"
				}
				fmt.Fprintln(stdout, renderStatusLine("Consumer", consumerKind, consumerMsg, colorize))
				if status.Consumer.LastError != "" {
					fmt.Fprintln(stdout, renderStatusLine("Last error", statusError, status.Consumer.LastError, colorize))
				}
				fmt.Fprintln(stdout, renderStatusLine("Database", statusInfo, status.StoreDBPath, colorize))
				fmt.Fprintln(stdout)

				for _, line := range renderSectionHeader("Queue", colorize) {
					fmt.Fprintln(stdout, line)
				}
				fmt.Fprintln(stdout, renderStatusLine("Ready", statusInfo, strconv.Itoa(status.Queue.Ready), colorize))
				fmt.Fprintln(stdout, renderStatusLine("Leased", statusInfo, strconv.Itoa(status.Queue.Leased), colorize))
				deadKind := statusOK
				if status.Queue.DeadLetters > 0 {
					deadKind = statusWarn
				}
				fmt.Fprintln(stdout, renderStatusLine("Dead letters", deadKind, strconv.Itoa(status.Queue.DeadLetters), colorize))

				if len(status.Requests) > 0 {
					fmt.Fprintln(stdout)
					for _, line := range renderSectionHeader("Requests", colorize) {
						fmt.Fprintln(stdout, line)
					}
					statuses := make([]string, 0, len(status.Requests))
					for name := range status.Requests {
						statuses = append(statuses, name)
					}
					sort.Strings(statuses)
					rows := make([][]string, 0, len(statuses))
					for _, name := range statuses {
						rows = append(rows, []string{name, strconv.Itoa(status.Requests[name])})
					}
					table := renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight})
					fmt.Fprintln(stdout, table)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of formatted output")
	return cmd
}
