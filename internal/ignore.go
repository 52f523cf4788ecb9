package internal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// IgnoreFilename holds gitignore-style rules excluding corpus paths from a build.
const IgnoreFilename = ".atlasignore"

type IgnoreMatcher struct {
	patterns []gitignore.Pattern
	root     string
}

// NewIgnoreMatcher reads root/.atlasignore. A missing file matches nothing.
func NewIgnoreMatcher(root string) (*IgnoreMatcher, error) {
	patterns, err := parseIgnoreFile(filepath.Join(root, IgnoreFilename))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", IgnoreFilename, err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve corpus root: %w", err)
	}
	return &IgnoreMatcher{patterns: patterns, root: abs}, nil
}

// Match reports whether path is excluded. Absolute paths are made relative to
// the corpus root; any other path is taken as already root-relative. Later
// patterns override earlier ones, so negations work.
func (m *IgnoreMatcher) Match(path string, isDir bool) bool {
	if len(m.patterns) == 0 {
		return false
	}

	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(m.root, path)
		if err != nil {
			return false
		}
		rel = r
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	excluded := false
	for _, p := range m.patterns {
		switch p.Match(parts, isDir) {
		case gitignore.Exclude:
			excluded = true
		case gitignore.Include:
			excluded = false
		}
	}
	return excluded
}

func parseIgnoreFile(path string) ([]gitignore.Pattern, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []gitignore.Pattern
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}

	return patterns, scanner.Err()
}
