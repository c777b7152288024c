package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(openCmd)
}

var openCmd = &cobra.Command{
	Use:   "open [conversation-id | list-number]",
	Short: "Open a conversation and chat in it",
	Long: `Open shows a conversation and keeps it in sync until you quit. Type a
line to send it. Lines starting with / are commands; /help lists them.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		me, err := app.client.Me(ctx)
		if err != nil {
			return fmt.Errorf("failed to load profile: %w", err)
		}

		r := newREPL(ctx, *me, cmd.InOrStdin(), cmd.OutOrStdout())
		defer r.close()

		if len(args) == 1 {
			id, err := resolveConversation(ctx, args[0])
			if err != nil {
				return err
			}
			r.open(id)
		}
		return r.run()
	},
}

// resolveConversation accepts an id, or a 1-based position in the inbox list.
func resolveConversation(ctx context.Context, arg string) (string, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return arg, nil
	}
	if n < 1 {
		return "", fmt.Errorf("list number must be at least 1")
	}
	resp, err := app.client.ListConversations(ctx, n, 0)
	if err != nil {
		return "", err
	}
	if n > len(resp.Conversations) {
		return "", fmt.Errorf("only %d conversations", len(resp.Conversations))
	}
	return resp.Conversations[n-1].ID, nil
}
