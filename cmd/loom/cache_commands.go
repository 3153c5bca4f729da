package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"loom/internal/client"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the artifact cache",
	}

	cacheCmd.AddCommand(newCacheStatusCommand(ctx))
	cacheCmd.AddCommand(newCacheInvalidateCommand(ctx))

	return cacheCmd
}

func newCacheStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cache tier usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				stats, err := c.CacheStats(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, stats)
				}

				stdout := cmd.OutOrStdout()
				colorize := shouldColorize(stdout)
				enabledKind := statusOK
				if !stats.Enabled {
					enabledKind = statusWarn
				}
				fmt.Fprintln(stdout, renderStatusLine("Enabled", enabledKind, yesNo(stats.Enabled), colorize))
				if !stats.Enabled {
					return nil
				}
				fmt.Fprintln(stdout, renderStatusLine("Hot entries", statusInfo, strconv.Itoa(stats.HotEntries), colorize))
				fmt.Fprintln(stdout, renderStatusLine("Cold entries", statusInfo, strconv.Itoa(stats.ColdEntries), colorize))
				fmt.Fprintln(stdout, renderStatusLine("Cold bytes", statusInfo, strconv.FormatInt(stats.ColdBytes, 10), colorize))

				diskKind := statusOK
				if stats.FreeRatio > 0 && stats.FreeRatio < 0.1 {
					diskKind = statusWarn
				}
				fmt.Fprintln(stdout, renderStatusLine("Disk free", diskKind, fmt.Sprintf("%.1f%%", stats.FreeRatio*100), colorize))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of formatted output")
	return cmd
}

func newCacheInvalidateCommand(ctx *commandContext) *cobra.Command {
	var variant string
	var personalization []string

	cmd := &cobra.Command{
		Use:   "invalidate <topic>",
		Short: "Evict the cache entry for a request shape",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			personalizationMap, err := parseKeyValues(personalization)
			if err != nil {
				return err
			}
			return ctx.withClient(func(c *client.Client) error {
				fp, err := c.InvalidateCache(cmd.Context(), args[0], personalizationMap, variant)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cache entry invalidated\n  Fingerprint: %s\n", fp)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&variant, "variant", "", "Generation variant the cached entry was built with")
	cmd.Flags().StringArrayVarP(&personalization, "personalization", "p", nil, "Personalization entry as key=value (repeatable)")
	return cmd
}
