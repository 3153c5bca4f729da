package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"loom/internal/client"
)

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <token>",
		Short: "Cancel an in-flight request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				if err := c.CancelRequest(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Request %s cancelled\n", args[0])
				return nil
			})
		},
	}
}

func newDeliveryCommand(ctx *commandContext) *cobra.Command {
	var object string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "delivery <token>",
		Short: "Issue a signed delivery reference for a completed request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				ref, err := c.Delivery(cmd.Context(), args[0], object)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, ref)
				}
				stdout := cmd.OutOrStdout()
				fmt.Fprintf(stdout, "Object:  %s\n", ref.Object)
				fmt.Fprintf(stdout, "Expires: %s\n", formatTimestamp(ref.ExpiresAt))
				if ref.URL != "" {
					fmt.Fprintf(stdout, "URL:     %s\n", ref.URL)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&object, "object", "o", "", "Artifact object name (defaults to the primary artifact)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of formatted output")
	return cmd
}

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test webhook notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				if err := c.TestNotification(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
				return nil
			})
		},
	}
}
