package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/4thel00z/neuroatlas/internal"
)

// Executables named neuroatlas-<name> on PATH extend the CLI as
// `neuroatlas <name>`.
const pluginPrefix = "neuroatlas-"

func findExternal(name string) (string, error) {
	binary := pluginPrefix + name
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("unknown command %q: %s not found in PATH", name, binary)
	}
	return path, nil
}

// listExternalCommands returns the plugin names found on PATH, sorted, with
// earlier PATH entries shadowing later ones.
func listExternalCommands() []string {
	seen := make(map[string]bool)
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if name := pluginName(dir, entry); name != "" {
				seen[name] = true
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func pluginName(dir string, entry os.DirEntry) string {
	name := entry.Name()
	if entry.IsDir() || !strings.HasPrefix(name, pluginPrefix) {
		return ""
	}

	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil || info.Mode()&0111 == 0 {
		return ""
	}
	return strings.TrimPrefix(name, pluginPrefix)
}

func executeExternal(ctx context.Context, name string, args []string, version string) error {
	binaryPath, err := findExternal(name)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, binaryPath, args...)
	cmd.Env = pluginEnv(version)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

// pluginEnv tells a plugin which binary launched it and where the default
// config lives, so it can call back into the CLI with the same settings.
func pluginEnv(version string) []string {
	bin, _ := os.Executable()
	config, err := filepath.Abs(internal.DefaultConfigFilename)
	if err != nil {
		config = internal.DefaultConfigFilename
	}

	return append(os.Environ(),
		"NEUROATLAS_VERSION="+version,
		"NEUROATLAS_BIN="+bin,
		"NEUROATLAS_CONFIG="+config,
	)
}
