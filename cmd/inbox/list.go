package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/internal/tui"
)

func init() {
	listCmd.Flags().Int("limit", 20, "maximum conversations to show")
	rootCmd.AddCommand(listCmd)

	newCmd.Flags().String("name", "", "conversation name")
	newCmd.Flags().Bool("group", false, "create a group even with one other participant")
	rootCmd.AddCommand(newCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List your conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		resp, err := app.client.ListConversations(cmd.Context(), limit, 0)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(resp.Conversations) == 0 {
			fmt.Fprintln(out, "No conversations yet.")
			return nil
		}
		now := time.Now()
		for i, c := range resp.Conversations {
			fmt.Fprintln(out, tui.InboxLine(i+1, c, app.userID, now))
			fmt.Fprintf(out, "    id: %s\n", c.ID)
		}
		if resp.HasMore {
			fmt.Fprintf(out, "… %d more\n", resp.Total-len(resp.Conversations))
		}
		return nil
	},
}

var newCmd = &cobra.Command{
	Use:   "new participant-id...",
	Short: "Start a conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		group, _ := cmd.Flags().GetBool("group")
		req := &model.CreateConversationRequest{Name: name, Participants: args}
		if group {
			req.Kind = model.ConversationGroup
		}
		conv, err := app.client.CreateConversation(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), conv.ID)
		return nil
	},
}
