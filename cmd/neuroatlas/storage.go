package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/4thel00z/neuroatlas/internal"
	"github.com/spf13/cobra"
)

func NewStorageCmd(cfg func() *internal.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect and configure the blob store",
	}

	cmd.AddCommand(
		newStorageListCmd(cfg),
		newStorageCORSCmd(cfg),
	)
	return cmd
}

func newStorageListCmd(cfg func() *internal.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [prefix]",
		Short: "List stored blobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}

			store, err := internal.OpenBlobStore(cmd.Context(), cfg().Storage)
			if err != nil {
				return err
			}

			blobs, err := store.List(cmd.Context(), prefix)
			if err != nil {
				return fmt.Errorf("list blobs: %w", err)
			}

			if wantsJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), blobs)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, b := range blobs {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", b.LastModified.Format("2006-01-02 15:04:05"), b.Size, b.Key)
			}
			return tw.Flush()
		},
	}
}

func newStorageCORSCmd(cfg func() *internal.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cors <rules.json>",
		Short: "Replace the S3 bucket CORS rules",
		Long:  `Apply a JSON array of CORS rules (AllowedOrigins, AllowedMethods, ...) to the configured bucket.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := cfg().Storage
			if st.Backend != internal.StorageS3 {
				return errors.New("cors rules only apply to the s3 storage backend")
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read rules: %w", err)
			}
			rules, err := internal.ParseCORSRules(data)
			if err != nil {
				return err
			}

			client, err := internal.NewS3Client(cmd.Context(), st.Region, st.AccessKey, st.SecretKey)
			if err != nil {
				return err
			}
			if err := internal.NewS3BlobStore(client, st.Bucket).ApplyCORS(cmd.Context(), rules); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d CORS rules to %s.\n", len(rules), st.Bucket)
			return nil
		},
	}
}
