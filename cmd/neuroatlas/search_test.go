package main

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/4thel00z/neuroatlas/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func withStaticSearch(t *testing.T, a *app, query []float32) {
	t.Helper()
	atlas, err := internal.NewAtlas(2, []float32{1, 0, 0, 1}, []int64{0, 1}, []internal.AtlasEntry{
		{ID: 0, FilePath: "corpus/glioma/a.png", Label: "glioma"},
		{ID: 1, FilePath: "corpus/pituitary/b.png", Label: "pituitary"},
	})
	require.NoError(t, err)
	sc, err := internal.NewSearchContext(&constExtractor{vec: query}, atlas, internal.NewExactIndex(atlas))
	require.NoError(t, err)

	a.provider = internal.StaticSearchProvider(sc)
	a.query = internal.NewQueryService(a.provider, 8, zap.NewNop())
	a.uc.FindSimilar = internal.NewFindSimilarUseCase(a.query)
}

func TestFindSimilarCmd(t *testing.T) {
	a := newTestApp(t)
	withStaticSearch(t, a, []float32{0, 1})

	out, err := run(t, a, "find-similar", "scan.png", "-k", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "RANK")
	assert.Contains(t, out, "pituitary")
	assert.NotContains(t, out, "glioma")

	out, err = run(t, a, "search", "scan.png", "--json")
	require.NoError(t, err)
	var res internal.FindSimilarOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Cases, 2)
	assert.Equal(t, "pituitary", res.Cases[0].Label)
	assert.Equal(t, "b.png", res.Cases[0].Filename)
	assert.Equal(t, 2, res.Cases[1].Rank)
}

func TestFindSimilarCmdWithoutModel(t *testing.T) {
	a := newTestApp(t)
	_, err := run(t, a, "atlas", "sample", "--count", "3", "--dimension", "8")
	require.NoError(t, err)

	_, err = run(t, a, "find-similar", filepath.Join(t.TempDir(), "scan.png"))
	assert.True(t, errors.Is(err, internal.ErrSearchUnavailable), "got %v", err)
}

func TestFindSimilarCmdArgs(t *testing.T) {
	a := newTestApp(t)
	_, err := run(t, a, "find-similar")
	assert.Error(t, err)
}
