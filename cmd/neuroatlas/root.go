package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/4thel00z/neuroatlas/internal"
	"github.com/spf13/cobra"
)

// Commands carrying this annotation, or whose parent does, need the loaded
// config before they run.
const annotationLoadsConfig = "neuroatlas/loads-config"

func NewRootCmd(version string, a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "neuroatlas",
		Short: "Brain MRI similarity search and analysis",
		Long: `Embed a labelled MRI corpus into a searchable atlas, find the scans most
similar to a query image, and run model-assisted analyses with follow-up chat.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	addPersistentFlags(rootCmd)
	setHelpWithExternals(rootCmd)

	if a != nil {
		rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
			if !loadsConfig(cmd) || a.cfg != nil {
				return nil
			}
			path, _ := cmd.Flags().GetString("config")
			return a.load(path)
		}
		addSubcommands(rootCmd, a)
	}

	return rootCmd
}

func addPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", internal.DefaultConfigFilename, "Path to the config file")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
}

func addSubcommands(root *cobra.Command, a *app) {
	cfg := func() *internal.Config { return a.cfg }
	uc := func() *internal.UseCases { return a.uc }

	commands := []*cobra.Command{
		NewServeCmd(a),
		NewAtlasCmd(uc, cfg),
		NewFindSimilarCmd(uc),
		NewAnalyzeCmd(a.analysis),
		NewChatCmd(a.analysis),
		NewHistoryCmd(a.analysis),
		NewModelCmd(uc),
		NewStorageCmd(cfg),
	}
	for _, c := range commands {
		markLoadsConfig(c)
	}

	root.AddCommand(commands...)
	root.AddCommand(NewConfigCmd())
}

func markLoadsConfig(cmd *cobra.Command) {
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	cmd.Annotations[annotationLoadsConfig] = "true"
}

func loadsConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[annotationLoadsConfig] == "true" {
			return true
		}
	}
	return false
}

func setHelpWithExternals(cmd *cobra.Command) {
	defaultHelp := cmd.HelpFunc()

	cmd.SetHelpFunc(func(c *cobra.Command, args []string) {
		defaultHelp(c, args)
		if c != c.Root() {
			return
		}
		printExternalCommands(c.OutOrStdout(), listExternalCommands())
	})
}

func printExternalCommands(w io.Writer, externals []string) {
	if len(externals) == 0 {
		return
	}

	fmt.Fprintln(w, "\nPlugins (neuroatlas-*):")
	for _, name := range externals {
		fmt.Fprintf(w, "  %s\n", name)
	}
}

func wantsJSON(cmd *cobra.Command) bool {
	asJSON, _ := cmd.Flags().GetBool("json")
	return asJSON
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
