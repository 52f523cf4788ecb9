package v1

import (
	"context"
	"errors"
	"fmt"

	"github.com/4thel00z/neuroatlas/internal"
	"go.uber.org/zap"
)

var (
	ErrSearchUnavailable = internal.ErrSearchUnavailable
	ErrModelUnavailable  = internal.ErrModelUnavailable
	ErrIndexUnavailable  = internal.ErrIndexUnavailable
)

// Client provides programmatic access to an atlas: building it, inspecting
// it and running similarity queries against it.
type Client struct {
	uc       *internal.UseCases
	query    *internal.QueryService
	provider *internal.SearchProvider
	dir      string
	workers  int
}

// New creates a new Client with the given options. Nothing is loaded until
// the first query.
func New(opts ...Option) (*Client, error) {
	cfg := &clientConfig{
		atlasDir: "atlas",
		index:    internal.IndexExact,
		topK:     internal.DefaultTopK,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.topK <= 0 {
		return nil, fmt.Errorf("top k must be positive, got %d", cfg.topK)
	}

	newExtractor := cfg.newExtractor
	if newExtractor == nil {
		ac := internal.DefaultConfig()
		ac.Model.Weights = cfg.weights
		ac.Model.Workers = cfg.workers
		newExtractor = internal.ExtractorFactory(ac)
	}

	provider := internal.NewSearchProvider(
		internal.AtlasLoader(cfg.atlasDir, cfg.index, cfg.annoyTrees, newExtractor),
		cfg.log,
	)
	query := internal.NewQueryService(provider, cfg.topK, cfg.log)

	return &Client{
		uc: &internal.UseCases{
			BuildAtlas:  internal.NewBuildAtlasUseCase(newExtractor, cfg.log),
			SampleAtlas: internal.NewSampleAtlasUseCase(),
			AtlasInfo:   internal.NewAtlasInfoUseCase(),
			VerifyAtlas: internal.NewVerifyAtlasUseCase(),
			FindSimilar: internal.NewFindSimilarUseCase(query),
		},
		query:    query,
		provider: provider,
		dir:      cfg.atlasDir,
		workers:  cfg.workers,
	}, nil
}

// FindSimilar returns the k atlas cases closest to the scan at imagePath.
func (c *Client) FindSimilar(ctx context.Context, imagePath string, k int) ([]Case, error) {
	out, err := c.uc.FindSimilar.Execute(ctx, internal.FindSimilarInput{ImagePath: imagePath, K: k})
	if err != nil {
		return nil, err
	}
	return toCases(out.Cases), nil
}

// FindSimilarBytes is FindSimilar for an encoded PNG or JPEG held in memory.
func (c *Client) FindSimilarBytes(ctx context.Context, image []byte, k int) ([]Case, error) {
	found, err := c.query.FindSimilarBytes(ctx, image, k)
	if err != nil {
		return nil, err
	}
	return toCases(found), nil
}

func toCases(found []internal.SimilarCase) []Case {
	cases := make([]Case, len(found))
	for i, f := range found {
		cases[i] = Case{
			Rank:     f.Rank,
			ID:       f.CaseID,
			Label:    f.Label,
			FilePath: f.FilePath,
			Score:    f.SimilarityScore,
		}
	}
	return cases
}

// Build embeds corpusDir/<label>/ into the client's atlas directory and
// makes later queries use it.
func (c *Client) Build(ctx context.Context, corpusDir string) (*BuildStats, error) {
	out, err := c.uc.BuildAtlas.Execute(ctx, internal.BuildAtlasInput{
		CorpusDir: corpusDir,
		OutDir:    c.dir,
		Workers:   c.workers,
	})
	if err != nil {
		return nil, err
	}

	stats := BuildStats(out.Stats)
	return &stats, c.reloadAfterWrite(ctx)
}

// Sample writes a synthetic atlas of n random cases.
func (c *Client) Sample(ctx context.Context, n, dimension int, seed uint64) error {
	if _, err := c.uc.SampleAtlas.Execute(ctx, internal.SampleAtlasInput{
		OutDir: c.dir, Count: n, Dimension: dimension, Seed: seed,
	}); err != nil {
		return err
	}
	return c.reloadAfterWrite(ctx)
}

// reloadAfterWrite refreshes a provider that has already loaded. A missing
// model is not an error here; the next query reports it.
func (c *Client) reloadAfterWrite(ctx context.Context) error {
	err := c.provider.Reload(ctx)
	if errors.Is(err, internal.ErrModelUnavailable) {
		return nil
	}
	return err
}

// Reload re-reads the atlas from disk. The previous atlas stays in use when
// loading fails.
func (c *Client) Reload(ctx context.Context) error {
	return c.provider.Reload(ctx)
}

// Info reports the size and label distribution of the atlas on disk.
func (c *Client) Info(ctx context.Context) (*AtlasInfo, error) {
	out, err := c.uc.AtlasInfo.Execute(ctx, internal.AtlasInfoInput{Dir: c.dir})
	if err != nil {
		return nil, err
	}

	labels := make(map[string]int, len(out.Labels))
	for _, l := range out.Labels {
		labels[l.Label] = l.Count
	}
	return &AtlasInfo{Cases: out.Cases, Dimension: out.Dimension, Labels: labels}, nil
}

// Verify checks the atlas on disk for sparse ids and non-unit vectors.
func (c *Client) Verify(ctx context.Context) (*Verification, error) {
	out, err := c.uc.VerifyAtlas.Execute(ctx, internal.VerifyAtlasInput{Dir: c.dir})
	if err != nil {
		return nil, err
	}
	v := Verification(*out)
	return &v, nil
}

// Close releases any resources held by the client.
func (c *Client) Close() error {
	return nil
}
