package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/api"
	"loom/internal/client"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	var showEvents bool

	cmd := &cobra.Command{
		Use:   "show <token>",
		Short: "Show a request with its stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				detail, err := c.DescribeRequest(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, detail)
				}

				stdout := cmd.OutOrStdout()
				colorize := shouldColorize(stdout)
				renderRequestSummary(cmd, detail.Request, colorize)

				if len(detail.Stages) > 0 {
					fmt.Fprintln(stdout)
					for _, line := range renderSectionHeader("Stages", colorize) {
						fmt.Fprintln(stdout, line)
					}
					fmt.Fprintln(stdout, renderTable(
						[]string{"Stage", "Status", "Attempt", "Duration", "Error"},
						buildStageRows(detail.Stages),
						[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
					))
				}

				if showEvents && len(detail.Events) > 0 {
					fmt.Fprintln(stdout)
					for _, line := range renderSectionHeader("Events", colorize) {
						fmt.Fprintln(stdout, line)
					}
					fmt.Fprintln(stdout, renderTable(
						[]string{"Time", "Type", "Severity", "Message"},
						buildEventRows(detail.Events),
						[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
					))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of formatted output")
	cmd.Flags().BoolVar(&showEvents, "events", false, "Include the request event log")
	return cmd
}

func renderRequestSummary(cmd *cobra.Command, req api.RequestView, colorize bool) {
	stdout := cmd.OutOrStdout()
	for _, line := range renderSectionHeader("Request "+req.Token, colorize) {
		fmt.Fprintln(stdout, line)
	}
	fmt.Fprintln(stdout, renderStatusLine("Status", requestStatusKind(req.Status), req.Status, colorize))
	fmt.Fprintln(stdout, renderStatusLine("Topic", statusInfo, req.Topic, colorize))
	fmt.Fprintln(stdout, renderStatusLine("Variant", statusInfo, req.Variant, colorize))
	if req.Requester != "" {
		fmt.Fprintln(stdout, renderStatusLine("Requester", statusInfo, req.Requester, colorize))
	}
	fmt.Fprintln(stdout, renderStatusLine("Progress", statusInfo, strconv.Itoa(req.Progress)+"%", colorize))
	if req.CurrentStage != "" {
		fmt.Fprintln(stdout, renderStatusLine("Current stage", statusInfo, req.CurrentStage, colorize))
	}
	if req.RetryCount > 0 {
		fmt.Fprintln(stdout, renderStatusLine("Retries", statusWarn, strconv.Itoa(req.RetryCount), colorize))
	}
	if req.Error != nil {
		message := req.Error.Message
		if req.Error.Stage != "" {
			message = req.Error.Stage + ": " + message
		}
		fmt.Fprintln(stdout, renderStatusLine("Error", statusError, message, colorize))
	}
	if len(req.Artifacts) > 0 {
		fmt.Fprintln(stdout, renderStatusLine("Artifacts", statusOK, strings.Join(req.Artifacts, ", "), colorize))
	}
	if req.DurationMS > 0 {
		fmt.Fprintln(stdout, renderStatusLine("Duration", statusInfo, formatDurationMS(req.DurationMS), colorize))
	}
}

func requestStatusKind(status string) statusKind {
	switch status {
	case "completed":
		return statusOK
	case "failed":
		return statusError
	case "cancelled":
		return statusWarn
	default:
		return statusInfo
	}
}

func buildStageRows(stages []api.StageView) [][]string {
	rows := make([][]string, 0, len(stages))
	for _, stage := range stages {
		rows = append(rows, []string{
			stage.Stage,
			stage.Status,
			strconv.Itoa(stage.Attempt),
			formatDurationMS(stage.DurationMS),
			truncateText(stage.Error, 60),
		})
	}
	return rows
}

func buildEventRows(events []api.EventView) [][]string {
	rows := make([][]string, 0, len(events))
	for _, event := range events {
		rows = append(rows, []string{
			formatTimestamp(event.CreatedAt),
			event.Type,
			event.Severity,
			truncateText(event.Message, 70),
		})
	}
	return rows
}
