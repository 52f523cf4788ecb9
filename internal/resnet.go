package internal

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const batchNormEps = 1e-5

var _ Backbone = (*ResNet18)(nil)

// Backbone maps a preprocessed CHW tensor to a pooled feature vector.
type Backbone interface {
	Forward(ctx context.Context, x *Tensor) ([]float32, error)
	Dimension() int
}

type conv2d struct {
	out, in, k   int
	stride, pad  int
	weight, bias []float32
}

type basicBlock struct {
	conv1, conv2 *conv2d
	downsample   *conv2d
}

// ResNet18 is the 18-layer residual network with its classification head
// removed. Batch norm is folded into the preceding convolution at load.
type ResNet18 struct {
	stem    *conv2d
	stages  [4][]*basicBlock
	dim     int
	workers int
}

type BackboneOption func(*backboneConfig)

type backboneConfig struct {
	workers int
}

// WithWorkers bounds the goroutines used per convolution.
func WithWorkers(n int) BackboneOption {
	return func(c *backboneConfig) {
		c.workers = n
	}
}

func LoadResNet18(weightsPath string, opts ...BackboneOption) (*ResNet18, error) {
	weights, err := LoadSafetensors(weightsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return NewResNet18(weights, opts...)
}

// NewResNet18 assembles the network from torchvision-named tensors. Channel
// widths come from the weight shapes.
func NewResNet18(weights map[string]*WeightTensor, opts ...BackboneOption) (*ResNet18, error) {
	cfg := backboneConfig{workers: runtime.GOMAXPROCS(0)}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.workers < 1 {
		cfg.workers = 1
	}

	stem, err := foldConv(weights, "conv1", "bn1", 2, 3)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if stem.in != 3 {
		return nil, fmt.Errorf("%w: stem expects %d input channels, want 3", ErrModelUnavailable, stem.in)
	}

	net := &ResNet18{stem: stem, workers: cfg.workers}
	channels := stem.out

	for s := 0; s < 4; s++ {
		for b := 0; b < 2; b++ {
			prefix := fmt.Sprintf("layer%d.%d.", s+1, b)
			stride := 1
			if s > 0 && b == 0 {
				stride = 2
			}

			block := &basicBlock{}
			if block.conv1, err = foldConv(weights, prefix+"conv1", prefix+"bn1", stride, 1); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
			}
			if block.conv2, err = foldConv(weights, prefix+"conv2", prefix+"bn2", 1, 1); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
			}
			if _, ok := weights[prefix+"downsample.0.weight"]; ok {
				if block.downsample, err = foldConv(weights, prefix+"downsample.0", prefix+"downsample.1", stride, 0); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
				}
			}

			if block.conv1.in != channels {
				return nil, fmt.Errorf("%w: %sconv1 expects %d channels, previous layer yields %d", ErrModelUnavailable, prefix, block.conv1.in, channels)
			}
			if block.downsample == nil && (stride != 1 || block.conv2.out != channels) {
				return nil, fmt.Errorf("%w: %s changes shape without a downsample projection", ErrModelUnavailable, prefix)
			}

			channels = block.conv2.out
			net.stages[s] = append(net.stages[s], block)
		}
	}

	net.dim = channels
	return net, nil
}

func foldConv(weights map[string]*WeightTensor, convName, bnName string, stride, pad int) (*conv2d, error) {
	w, ok := weights[convName+".weight"]
	if !ok {
		return nil, fmt.Errorf("missing tensor %s.weight", convName)
	}
	if len(w.Shape) != 4 || w.Shape[2] != w.Shape[3] {
		return nil, fmt.Errorf("%s.weight: unexpected shape %v", convName, w.Shape)
	}
	out, in, k := w.Shape[0], w.Shape[1], w.Shape[2]

	bn := make(map[string][]float32, 4)
	for _, p := range []string{"weight", "bias", "running_mean", "running_var"} {
		t, ok := weights[bnName+"."+p]
		if !ok {
			return nil, fmt.Errorf("missing tensor %s.%s", bnName, p)
		}
		if len(t.Data) != out {
			return nil, fmt.Errorf("%s.%s: expected %d values, got %d", bnName, p, out, len(t.Data))
		}
		bn[p] = t.Data
	}

	c := &conv2d{
		out: out, in: in, k: k,
		stride: stride, pad: pad,
		weight: make([]float32, len(w.Data)),
		bias:   make([]float32, out),
	}

	per := in * k * k
	for o := 0; o < out; o++ {
		scale := bn["weight"][o] / float32(math.Sqrt(float64(bn["running_var"][o])+batchNormEps))
		for i := 0; i < per; i++ {
			c.weight[o*per+i] = w.Data[o*per+i] * scale
		}
		c.bias[o] = bn["bias"][o] - bn["running_mean"][o]*scale
	}

	return c, nil
}

func (n *ResNet18) Dimension() int {
	return n.dim
}

func (n *ResNet18) Forward(ctx context.Context, x *Tensor) ([]float32, error) {
	if x.C != 3 {
		return nil, fmt.Errorf("expected 3 input channels, got %d", x.C)
	}

	h, err := n.stem.forward(ctx, x, n.workers)
	if err != nil {
		return nil, err
	}
	relu(h)
	h = maxPool(h, 3, 2, 1)

	for _, stage := range n.stages {
		for _, block := range stage {
			if h, err = block.forward(ctx, h, n.workers); err != nil {
				return nil, err
			}
		}
	}

	return globalAvgPool(h), nil
}

func (b *basicBlock) forward(ctx context.Context, x *Tensor, workers int) (*Tensor, error) {
	out, err := b.conv1.forward(ctx, x, workers)
	if err != nil {
		return nil, err
	}
	relu(out)

	if out, err = b.conv2.forward(ctx, out, workers); err != nil {
		return nil, err
	}

	shortcut := x
	if b.downsample != nil {
		if shortcut, err = b.downsample.forward(ctx, x, workers); err != nil {
			return nil, err
		}
	}

	for i := range out.Data {
		out.Data[i] += shortcut.Data[i]
	}
	relu(out)
	return out, nil
}

// forward computes every output channel on its own goroutine. Each channel
// accumulates in a fixed order, so output does not depend on scheduling.
func (c *conv2d) forward(ctx context.Context, x *Tensor, workers int) (*Tensor, error) {
	if x.C != c.in {
		return nil, fmt.Errorf("conv expects %d channels, got %d", c.in, x.C)
	}

	oh := (x.H+2*c.pad-c.k)/c.stride + 1
	ow := (x.W+2*c.pad-c.k)/c.stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("input %dx%d too small for %dx%d kernel", x.H, x.W, c.k, c.k)
	}
	out := NewTensor(c.out, oh, ow)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for o := 0; o < c.out; o++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c.channel(x, out, o)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *conv2d) channel(x, out *Tensor, o int) {
	dst := out.Plane(o)
	for i := range dst {
		dst[i] = c.bias[o]
	}

	kk := c.k * c.k
	for ic := 0; ic < c.in; ic++ {
		src := x.Plane(ic)
		w := c.weight[(o*c.in+ic)*kk : (o*c.in+ic+1)*kk]

		for kh := 0; kh < c.k; kh++ {
			for kw := 0; kw < c.k; kw++ {
				wv := w[kh*c.k+kw]
				if wv == 0 {
					continue
				}

				owStart := 0
				if d := c.pad - kw; d > 0 {
					owStart = (d + c.stride - 1) / c.stride
				}
				owEnd := (x.W-1+c.pad-kw)/c.stride + 1
				if owEnd > out.W {
					owEnd = out.W
				}

				for y := 0; y < out.H; y++ {
					iy := y*c.stride - c.pad + kh
					if iy < 0 || iy >= x.H {
						continue
					}
					srcRow := src[iy*x.W : (iy+1)*x.W]
					dstRow := dst[y*out.W : (y+1)*out.W]
					for ox := owStart; ox < owEnd; ox++ {
						dstRow[ox] += wv * srcRow[ox*c.stride-c.pad+kw]
					}
				}
			}
		}
	}
}

func relu(t *Tensor) {
	for i, v := range t.Data {
		if v < 0 {
			t.Data[i] = 0
		}
	}
}

// maxPool pads with -inf, matching the reference implementation.
func maxPool(x *Tensor, k, stride, pad int) *Tensor {
	oh := (x.H+2*pad-k)/stride + 1
	ow := (x.W+2*pad-k)/stride + 1
	out := NewTensor(x.C, oh, ow)

	for c := 0; c < x.C; c++ {
		src := x.Plane(c)
		dst := out.Plane(c)
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				best := float32(math.Inf(-1))
				for kh := 0; kh < k; kh++ {
					iy := y*stride - pad + kh
					if iy < 0 || iy >= x.H {
						continue
					}
					for kw := 0; kw < k; kw++ {
						ix := xx*stride - pad + kw
						if ix < 0 || ix >= x.W {
							continue
						}
						if v := src[iy*x.W+ix]; v > best {
							best = v
						}
					}
				}
				dst[y*ow+xx] = best
			}
		}
	}

	return out
}

func globalAvgPool(x *Tensor) []float32 {
	out := make([]float32, x.C)
	n := float64(x.H * x.W)
	for c := 0; c < x.C; c++ {
		var sum float64
		for _, v := range x.Plane(c) {
			sum += float64(v)
		}
		out[c] = float32(sum / n)
	}
	return out
}
