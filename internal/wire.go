package internal

import (
	"context"
	"fmt"

	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"
)

// OpenBlobStore returns the blob store selected by cfg.
func OpenBlobStore(ctx context.Context, cfg StorageConfig) (BlobStore, error) {
	switch cfg.Backend {
	case StorageS3:
		client, err := NewS3Client(ctx, cfg.Region, cfg.AccessKey, cfg.SecretKey)
		if err != nil {
			return nil, err
		}
		return NewS3BlobStore(client, cfg.Bucket), nil
	case StorageFS, "":
		return NewFSBlobStore(osfs.New(cfg.Path), cfg.PublicBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// OpenOracle connects the configured model provider, rate limited when a
// per-minute budget is set.
func OpenOracle(ctx context.Context, cfg OracleConfig) (Oracle, error) {
	fo, err := NewFantasyOracle(ctx, FantasyConfig{
		Provider:        cfg.Provider,
		APIKey:          cfg.APIKey,
		BaseURL:         cfg.BaseURL,
		Model:           cfg.Model,
		Temperature:     cfg.Temperature,
		TopP:            cfg.TopP,
		TopK:            cfg.TopK,
		MaxOutputTokens: cfg.MaxOutputTokens,
	})
	if err != nil {
		return nil, err
	}
	if cfg.RequestsPerMinute > 0 {
		return NewRateLimitedOracle(fo, cfg.RequestsPerMinute), nil
	}
	return fo, nil
}

// ExtractorFactory loads the backbone from the configured weights on demand.
func ExtractorFactory(cfg *Config) func() (FeatureExtractor, error) {
	return func() (FeatureExtractor, error) {
		path, err := cfg.WeightsPath()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		}

		var opts []BackboneOption
		if cfg.Model.Workers > 0 {
			opts = append(opts, WithWorkers(cfg.Model.Workers))
		}

		ext, err := LoadImageExtractor(path, opts...)
		if err != nil {
			return nil, err
		}
		return ext, nil
	}
}

// NewConfiguredSearchProvider wires the atlas loader described by cfg.
func NewConfiguredSearchProvider(cfg *Config, log *zap.Logger) *SearchProvider {
	loader := AtlasLoader(cfg.Atlas.Dir, cfg.Atlas.Index, cfg.Atlas.AnnoyTrees, ExtractorFactory(cfg))
	return NewSearchProvider(loader, log)
}
