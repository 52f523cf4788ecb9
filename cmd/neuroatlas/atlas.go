package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/4thel00z/neuroatlas/internal"
	"github.com/spf13/cobra"
)

func NewAtlasCmd(uc func() *internal.UseCases, cfg func() *internal.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "atlas",
		Short: "Build and inspect the reference atlas",
		Long:  `Embed a labelled corpus into an atlas, generate a synthetic one, or inspect an existing atlas.`,
	}

	cmd.PersistentFlags().String("dir", "", "Atlas directory (defaults to atlas.dir from the config)")

	cmd.AddCommand(
		newAtlasBuildCmd(uc, cfg),
		newAtlasSampleCmd(uc, cfg),
		newAtlasInfoCmd(uc, cfg),
		newAtlasVerifyCmd(uc, cfg),
	)

	return cmd
}

func atlasDir(cmd *cobra.Command, cfg *internal.Config) string {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir
	}
	return cfg.Atlas.Dir
}

func newAtlasBuildCmd(uc func() *internal.UseCases, cfg func() *internal.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [corpus-dir]",
		Short: "Embed a labelled corpus into the atlas",
		Long: `Walk corpus-dir/<label>/ for PNG and JPEG scans, embed each one and write
the atlas bundle and metadata. Files matched by .atlasignore are skipped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: makeAtlasBuildRunner(uc, cfg),
	}

	cmd.Flags().Int("workers", 0, "Images embedded in parallel (0 uses all CPUs)")
	cmd.Flags().Bool("quiet", false, "Do not report progress")
	return cmd
}

func makeAtlasBuildRunner(uc func() *internal.UseCases, cfg func() *internal.Config) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		quiet, _ := cmd.Flags().GetBool("quiet")

		corpus := cfg().Atlas.CorpusDir
		if len(args) == 1 {
			corpus = args[0]
		}
		if corpus == "" {
			return errors.New("corpus directory required: pass it as an argument or set atlas.corpus_dir")
		}

		input := internal.BuildAtlasInput{
			CorpusDir: corpus,
			OutDir:    atlasDir(cmd, cfg()),
			Workers:   workers,
		}
		if !quiet {
			input.Progress = progressPrinter(cmd.ErrOrStderr())
		}

		out, err := uc().BuildAtlas.Execute(cmd.Context(), input)
		if err != nil {
			return err
		}

		if wantsJSON(cmd) {
			return writeJSON(cmd.OutOrStdout(), out.Stats)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d scans across %d labels into %s (%d skipped, %s).\n",
			out.Stats.Indexed, out.Stats.Labels, out.Dir, out.Stats.Skipped, out.Stats.Duration.Round(time.Millisecond))
		return nil
	}
}

func progressPrinter(w io.Writer) internal.ProgressFunc {
	return func(current, total int) {
		fmt.Fprintf(w, "\rEmbedding %d/%d", current, total)
		if current == total {
			fmt.Fprintln(w)
		}
	}
}

func newAtlasSampleCmd(uc func() *internal.UseCases, cfg func() *internal.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Write a synthetic atlas",
		Long:  `Generate random unit-norm embeddings with round-robin labels, for trying out search without a corpus.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			count, _ := cmd.Flags().GetInt("count")
			dim, _ := cmd.Flags().GetInt("dimension")
			seed, _ := cmd.Flags().GetUint64("seed")

			out, err := uc().SampleAtlas.Execute(cmd.Context(), internal.SampleAtlasInput{
				OutDir:    atlasDir(cmd, cfg()),
				Count:     count,
				Dimension: dim,
				Seed:      seed,
			})
			if err != nil {
				return err
			}

			if wantsJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d synthetic cases to %s.\n", out.Cases, out.Dir)
			return nil
		},
	}

	cmd.Flags().Int("count", 100, "Number of cases")
	cmd.Flags().Int("dimension", internal.EmbeddingDim, "Embedding dimension")
	cmd.Flags().Uint64("seed", 1, "Random seed")
	return cmd
}

func newAtlasInfoCmd(uc func() *internal.UseCases, cfg func() *internal.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show atlas size and label distribution",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := uc().AtlasInfo.Execute(cmd.Context(), internal.AtlasInfoInput{Dir: atlasDir(cmd, cfg())})
			if err != nil {
				return err
			}

			if wantsJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), out)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Atlas:     %s\n", out.Dir)
			fmt.Fprintf(w, "Cases:     %d\n", out.Cases)
			fmt.Fprintf(w, "Dimension: %d\n\n", out.Dimension)

			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "LABEL\tCASES")
			for _, l := range out.Labels {
				fmt.Fprintf(tw, "%s\t%d\n", l.Label, l.Count)
			}
			return tw.Flush()
		},
	}
}

func newAtlasVerifyCmd(uc func() *internal.UseCases, cfg func() *internal.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check ids are dense and vectors unit length",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := uc().VerifyAtlas.Execute(cmd.Context(), internal.VerifyAtlasInput{Dir: atlasDir(cmd, cfg())})
			if err != nil {
				return err
			}

			if wantsJSON(cmd) {
				if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Rows: %d, dense ids: %t, non-unit rows: %d\n",
					out.Rows, out.Dense, len(out.NonUnitRows))
			}

			if !out.OK {
				return errors.New("atlas verification failed")
			}
			return nil
		},
	}
}
