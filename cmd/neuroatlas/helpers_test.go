package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/4thel00z/neuroatlas/internal"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestApp wires an app around a throwaway atlas dir and blob store
// without reading any config file.
func newTestApp(t *testing.T) *app {
	t.Helper()
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	cfg := internal.DefaultConfig()
	cfg.Atlas.Dir = filepath.Join(t.TempDir(), "atlas")
	cfg.Storage.Path = t.TempDir()
	cfg.Server.UploadDir = t.TempDir()

	a := &app{}
	require.NoError(t, a.init(cfg, zap.NewNop()))
	return a
}

// withOracle swaps the model and blob store the analysis commands use.
func withOracle(a *app, oracle internal.Oracle) {
	a.analysisOnce.Do(func() {})
	a.blobs = internal.NewFSBlobStore(memfs.New(), "")
	start := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	calls := 0
	a.analysisSvc = internal.NewAnalysisService(a.blobs, oracle, internal.WithClock(func() time.Time {
		calls++
		return start.Add(time.Duration(calls-1) * time.Second)
	}))
}

func run(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test", a)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

type stubOracle struct {
	analysis string
	answer   string
}

func (o *stubOracle) Analyze(context.Context, []byte, string, string) (string, error) {
	return o.analysis, nil
}

func (o *stubOracle) Complete(_ context.Context, prompt string) (string, error) {
	return o.answer, nil
}

// constExtractor embeds every image as the same vector.
type constExtractor struct {
	vec []float32
}

func (e *constExtractor) Dimension() int { return len(e.vec) }

func (e *constExtractor) Embed(ctx context.Context, _ string) (internal.Embedding, error) {
	return e.EmbedBytes(ctx, nil)
}

func (e *constExtractor) EmbedBytes(context.Context, []byte) (internal.Embedding, error) {
	return internal.NewEmbedding(e.vec, "const"), nil
}
