package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/karmaspark/internal/agent"
)

func NewAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <text>",
		Short: "Run a single turn locally and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			res, err := build(ctx, cmd)
			if err != nil {
				return err
			}
			defer res.Cleanup()

			conversationID, _ := cmd.Flags().GetString("conversation")
			reply, err := res.Orchestrator.HandleTurn(ctx, agent.Request{
				ConversationID: conversationID,
				AuthorID:       "cli",
				Text:           strings.Join(args, " "),
			})
			fmt.Fprintln(cmd.OutOrStdout(), reply.Text)
			if err != nil && !agent.IsUserError(err) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("conversation", "cli", "Conversation id to run the turn in")
	return cmd
}
