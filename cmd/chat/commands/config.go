package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change stored settings",
	}
	cmd.AddCommand(configShowCmd(), configSetCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "relay:         %s\n", relayURL)
			fmt.Fprintf(out, "api-key:       %s\n", mask(session.APIKey.Get()))
			fmt.Fprintf(out, "model:         %s\n", session.Model.Get())
			fmt.Fprintf(out, "system-prompt: %s\n", session.SystemPrompt.Get())
			fmt.Fprintf(out, "history:       %d messages\n", len(session.History.Get()))
			return nil
		},
	}
}

// set <field> <value>: field is api-key, model or system-prompt.
func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "set <field> <value>",
		Short:     "Change a stored setting (api-key, model, system-prompt)",
		Args:      cobra.MinimumNArgs(2),
		ValidArgs: []string{"api-key", "model", "system-prompt"},
		RunE: func(cmd *cobra.Command, args []string) error {
			value := strings.Join(args[1:], " ")
			ctx := cmd.Context()

			var err error
			switch args[0] {
			case "api-key":
				err = session.APIKey.Set(ctx, value)
			case "model":
				err = session.Model.Set(ctx, value)
			case "system-prompt":
				err = session.SystemPrompt.Set(ctx, value)
			default:
				return fmt.Errorf("unknown field %q", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", args[0])
			return nil
		},
	}
}

func mask(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:3] + strings.Repeat("*", len(key)-7) + key[len(key)-4:]
}
