package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/4thel00z/neuroatlas/internal"
	"github.com/spf13/cobra"
)

func NewFindSimilarCmd(uc func() *internal.UseCases) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "find-similar <image>",
		Aliases: []string{"search"},
		Short:   "Find the atlas cases most similar to a scan",
		Long:    `Embed the query scan and list the k nearest atlas cases by cosine similarity.`,
		Args:    cobra.ExactArgs(1),
		RunE:    makeFindSimilarRunner(uc),
	}

	cmd.Flags().IntP("top-k", "k", 0, "Number of results (defaults to atlas.default_k)")
	return cmd
}

func makeFindSimilarRunner(uc func() *internal.UseCases) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		k, _ := cmd.Flags().GetInt("top-k")

		out, err := uc().FindSimilar.Execute(cmd.Context(), internal.FindSimilarInput{
			ImagePath: args[0],
			K:         k,
		})
		if err != nil {
			return fmt.Errorf("find similar: %w", err)
		}

		if wantsJSON(cmd) {
			return writeJSON(cmd.OutOrStdout(), out)
		}

		if len(out.Cases) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No similar cases found.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "RANK\tSCORE\tLABEL\tFILE")
		for _, c := range out.Cases {
			fmt.Fprintf(tw, "%d\t%.4f\t%s\t%s\n", c.Rank, c.SimilarityScore, c.Label, c.FilePath)
		}
		return tw.Flush()
	}
}
