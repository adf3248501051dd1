package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// ask <message...>: send a message with the stored conversation.
func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <message>",
		Short: "Send a message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := session.Ask(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
}
