package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/api"
	"loom/internal/client"
)

func newMetricsCommand(ctx *commandContext) *cobra.Command {
	var since time.Duration
	var tenant string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show hourly request metrics and stage durations",
		RunE: func(cmd *cobra.Command, args []string) error {
			to := time.Now().UTC()
			from := to.Add(-since)

			return ctx.withClient(func(c *client.Client) error {
				resp, err := c.Metrics(cmd.Context(), from, to, tenant)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, resp)
				}

				stdout := cmd.OutOrStdout()
				colorize := shouldColorize(stdout)

				if len(resp.Buckets) == 0 {
					fmt.Fprintln(stdout, "No metrics recorded for the window")
				} else {
					for _, line := range renderSectionHeader("Hourly buckets", colorize) {
						fmt.Fprintln(stdout, line)
					}
					fmt.Fprintln(stdout, renderTable(
						[]string{"Window", "Tenant", "Completed", "Failed", "Cancelled", "Cache hits", "Retries"},
						buildBucketRows(resp.Buckets),
						[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
					))
				}

				if len(resp.StageDurations) > 0 {
					fmt.Fprintln(stdout)
					for _, line := range renderSectionHeader("Stage durations", colorize) {
						fmt.Fprintln(stdout, line)
					}
					fmt.Fprintln(stdout, renderTable(
						[]string{"Stage", "Samples", "P50", "P95"},
						buildStageDurationRows(resp.StageDurations),
						[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
					))
				}
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Window to report, ending now")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Filter buckets by tenant")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of formatted output")
	return cmd
}

func buildBucketRows(buckets []api.MetricsBucketView) [][]string {
	rows := make([][]string, 0, len(buckets))
	for _, bucket := range buckets {
		rows = append(rows, []string{
			formatTimestamp(bucket.WindowStart),
			bucket.Tenant,
			strconv.Itoa(bucket.Completed),
			strconv.Itoa(bucket.Failed),
			strconv.Itoa(bucket.Cancelled),
			strconv.Itoa(bucket.CacheHits),
			strconv.Itoa(bucket.Retries),
		})
	}
	return rows
}

func buildStageDurationRows(durations []api.StageDurationView) [][]string {
	rows := make([][]string, 0, len(durations))
	for _, duration := range durations {
		rows = append(rows, []string{
			duration.Stage,
			strconv.Itoa(duration.Samples),
			formatDurationMS(duration.P50MS),
			formatDurationMS(duration.P95MS),
		})
	}
	return rows
}
