package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/api"
	"loom/internal/client"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var requester string
	var variant string
	var personalization []string
	var params []string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "submit <topic>",
		Short: "Submit a document generation request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := strings.TrimSpace(args[0])
			if topic == "" {
				return fmt.Errorf("topic is required")
			}

			personalizationMap, err := parseKeyValues(personalization)
			if err != nil {
				return err
			}
			paramsMap, err := parseKeyValues(params)
			if err != nil {
				return err
			}

			return ctx.withClient(func(c *client.Client) error {
				resp, err := c.Submit(cmd.Context(), api.SubmitRequest{
					Requester:       requester,
					Topic:           topic,
					Personalization: personalizationMap,
					Variant:         variant,
					Params:          paramsMap,
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Request accepted\n  Token:  %s\n  Status: %s\n", resp.Token, resp.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&requester, "requester", "r", "", "Requester identity recorded with the request")
	cmd.Flags().StringVar(&variant, "variant", "", "Generation variant (defaults to the server default)")
	cmd.Flags().StringArrayVarP(&personalization, "personalization", "p", nil, "Personalization entry as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Pipeline parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of formatted output")
	return cmd
}
