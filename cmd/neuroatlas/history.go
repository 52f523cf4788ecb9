package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewHistoryCmd(svc analysisGetter) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List stored analyses, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			analysis, err := svc(cmd.Context())
			if err != nil {
				return err
			}

			entries, err := analysis.History(cmd.Context())
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}

			if wantsJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), entries)
			}

			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No analyses stored.")
				return nil
			}

			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", e.Timestamp, e.Summary)
			}
			return nil
		},
	}
}
