package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/4thel00z/neuroatlas/internal"
	"github.com/spf13/cobra"
)

type analysisGetter func(ctx context.Context) (*internal.AnalysisService, error)

func NewAnalyzeCmd(svc analysisGetter) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <image>",
		Short: "Run a model-assisted analysis of a scan",
		Long: `Send the scan to the configured model, store the structured analysis, the
scan and a short summary under saved/<timestamp>/ in the blob store.`,
		Args: cobra.ExactArgs(1),
		RunE: makeAnalyzeRunner(svc),
	}
}

func makeAnalyzeRunner(svc analysisGetter) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read scan: %w", err)
		}

		analysis, err := svc(cmd.Context())
		if err != nil {
			return err
		}

		out, err := analysis.Analyze(cmd.Context(), internal.AnalyzeInput{
			Image:    data,
			Filename: filepath.Base(args[0]),
		})
		if err != nil {
			return err
		}

		if wantsJSON(cmd) {
			return writeJSON(cmd.OutOrStdout(), out)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Analysis %s stored.\n", out.Timestamp)
		fmt.Fprintf(w, "  context: %s\n", out.JSONFile)
		fmt.Fprintf(w, "  scan:    %s\n", out.ImageURL)
		fmt.Fprintf(w, "  summary: %s\n", out.SummaryFile)
		return nil
	}
}
