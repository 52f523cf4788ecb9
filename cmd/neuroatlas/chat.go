package main

import (
	"fmt"
	"strings"

	"github.com/4thel00z/neuroatlas/internal"
	"github.com/spf13/cobra"
)

func NewChatCmd(svc analysisGetter) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <question...>",
		Short: "Ask a follow-up question about a stored analysis",
		Long:  `Answer a question grounded on the most recent analysis, or the one given by --timestamp.`,
		Args:  cobra.MinimumNArgs(1),
		RunE:  makeChatRunner(svc),
	}

	cmd.Flags().String("timestamp", "", "Analysis to ask about (YYYYMMDD_HHMMSS)")
	return cmd
}

func makeChatRunner(svc analysisGetter) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ts, _ := cmd.Flags().GetString("timestamp")

		analysis, err := svc(cmd.Context())
		if err != nil {
			return err
		}

		out, err := analysis.Chat(cmd.Context(), internal.ChatInput{
			Prompt:    strings.Join(args, " "),
			Timestamp: ts,
		})
		if err != nil {
			return err
		}

		if wantsJSON(cmd) {
			return writeJSON(cmd.OutOrStdout(), out)
		}
		fmt.Fprintln(cmd.OutOrStdout(), out.Response)
		return nil
	}
}
