package main

import (
	"fmt"
	"io"

	"github.com/4thel00z/neuroatlas/internal"
	"github.com/spf13/cobra"
)

func NewModelCmd(uc func() *internal.UseCases) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage the feature extractor weights",
	}

	cmd.AddCommand(newModelDownloadCmd(uc))
	return cmd
}

func newModelDownloadCmd(uc func() *internal.UseCases) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download the ResNet-18 weights into the cache",
		Long: `Fetch the safetensors weights used by the feature extractor. Nothing is
downloaded when the file is already cached. HF_TOKEN is sent when set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, _ := cmd.Flags().GetString("url")
			file, _ := cmd.Flags().GetString("file")
			quiet, _ := cmd.Flags().GetBool("quiet")

			input := internal.DownloadWeightsInput{URL: url, Filename: file}
			if !quiet {
				input.OnProgress = downloadProgress(cmd.ErrOrStderr())
			}

			out, err := uc().DownloadWeights.Execute(cmd.Context(), input)
			if err != nil {
				return err
			}

			if wantsJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"path": out.Path})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Weights ready at %s\n", out.Path)
			return nil
		},
	}

	cmd.Flags().String("url", internal.DefaultWeightsURL, "Weights URL")
	cmd.Flags().String("file", internal.DefaultWeightsFilename, "Filename inside the cache directory")
	cmd.Flags().Bool("quiet", false, "Do not report progress")
	return cmd
}

func downloadProgress(w io.Writer) func(written, total int64) {
	const mib = 1 << 20
	var last int64
	return func(written, total int64) {
		if written-last < mib && written != total {
			return
		}
		last = written
		if total > 0 {
			fmt.Fprintf(w, "\rDownloading %.1f/%.1f MiB", float64(written)/mib, float64(total)/mib)
		} else {
			fmt.Fprintf(w, "\rDownloading %.1f MiB", float64(written)/mib)
		}
		if written == total {
			fmt.Fprintln(w)
		}
	}
}
