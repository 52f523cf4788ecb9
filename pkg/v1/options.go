package v1

import (
	"github.com/4thel00z/neuroatlas/internal"
	"go.uber.org/zap"
)

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	atlasDir   string
	weights    string
	index      string
	annoyTrees int
	topK       int
	workers    int
	log        *zap.Logger

	newExtractor func() (internal.FeatureExtractor, error)
}

// WithAtlasDir sets the directory holding the atlas bundle and metadata.
func WithAtlasDir(dir string) Option {
	return func(c *clientConfig) {
		c.atlasDir = dir
	}
}

// WithWeights points the feature extractor at a ResNet-18 safetensors file
// instead of the download cache.
func WithWeights(path string) Option {
	return func(c *clientConfig) {
		c.weights = path
	}
}

// WithAnnoyIndex answers queries from an approximate index with the given
// number of trees rather than an exhaustive scan.
func WithAnnoyIndex(trees int) Option {
	return func(c *clientConfig) {
		c.index = internal.IndexAnnoy
		c.annoyTrees = trees
	}
}

// WithTopK sets the result count used when a query passes k <= 0.
func WithTopK(k int) Option {
	return func(c *clientConfig) {
		c.topK = k
	}
}

func WithWorkers(n int) Option {
	return func(c *clientConfig) {
		c.workers = n
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *clientConfig) {
		c.log = l
	}
}

func withExtractorFactory(f func() (internal.FeatureExtractor, error)) Option {
	return func(c *clientConfig) {
		c.newExtractor = f
	}
}
