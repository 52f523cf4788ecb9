package internal

import (
	"context"
	"fmt"
	"os"
)

const BackboneName = "resnet18"

// FeatureExtractor turns an image into a unit-norm embedding.
type FeatureExtractor interface {
	Embed(ctx context.Context, path string) (Embedding, error)
	EmbedBytes(ctx context.Context, data []byte) (Embedding, error)
	Dimension() int
}

var _ FeatureExtractor = (*ImageExtractor)(nil)

type ImageExtractor struct {
	backbone Backbone
	size     int
}

func NewImageExtractor(backbone Backbone) (*ImageExtractor, error) {
	if backbone == nil {
		return nil, fmt.Errorf("%w: no backbone loaded", ErrModelUnavailable)
	}
	return &ImageExtractor{backbone: backbone, size: InputSize}, nil
}

// LoadImageExtractor loads ResNet-18 weights from path. Any failure is
// reported as ErrModelUnavailable.
func LoadImageExtractor(weightsPath string, opts ...BackboneOption) (*ImageExtractor, error) {
	if weightsPath == "" {
		return nil, fmt.Errorf("%w: no weights path configured", ErrModelUnavailable)
	}

	net, err := LoadResNet18(weightsPath, opts...)
	if err != nil {
		return nil, err
	}
	return NewImageExtractor(net)
}

func (e *ImageExtractor) Dimension() int {
	return e.backbone.Dimension()
}

func (e *ImageExtractor) Embed(ctx context.Context, path string) (Embedding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Embedding{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return e.EmbedBytes(ctx, data)
}

func (e *ImageExtractor) EmbedBytes(ctx context.Context, data []byte) (Embedding, error) {
	input, err := Preprocess(data, e.size)
	if err != nil {
		return Embedding{}, err
	}

	features, err := e.backbone.Forward(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return Embedding{}, ctx.Err()
		}
		return Embedding{}, fmt.Errorf("%w: forward pass: %v", ErrModelUnavailable, err)
	}
	if len(features) != e.backbone.Dimension() {
		return Embedding{}, fmt.Errorf("%w: backbone returned %d features, want %d", ErrModelUnavailable, len(features), e.backbone.Dimension())
	}
	if l2Norm(features) == 0 {
		return Embedding{}, fmt.Errorf("%w: backbone returned a zero vector", ErrModelUnavailable)
	}

	return NewEmbedding(l2Normalize(features), BackboneName), nil
}
