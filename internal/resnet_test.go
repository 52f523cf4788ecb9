package internal

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tinyWidths = [4]int{4, 4, 8, 8}

func tinyInput(size int) *Tensor {
	x := NewTensor(3, size, size)
	for i := range x.Data {
		x.Data[i] = float32(math.Sin(float64(i) * 0.37))
	}
	return x
}

func TestResNet18Forward(t *testing.T) {
	net, err := NewResNet18(tinyResNetWeights(tinyWidths), WithWorkers(2))
	require.NoError(t, err)
	assert.Equal(t, tinyWidths[3], net.Dimension())

	features, err := net.Forward(context.Background(), tinyInput(32))
	require.NoError(t, err)
	assert.Len(t, features, tinyWidths[3])
	for _, v := range features {
		assert.False(t, math.IsNaN(float64(v)))
		assert.GreaterOrEqual(t, v, float32(0), "pooled features follow a ReLU")
	}
}

func TestResNet18DeterministicAcrossWorkers(t *testing.T) {
	weights := tinyResNetWeights(tinyWidths)

	serial, err := NewResNet18(weights, WithWorkers(1))
	require.NoError(t, err)
	parallel, err := NewResNet18(weights, WithWorkers(8))
	require.NoError(t, err)

	x := tinyInput(32)
	a, err := serial.Forward(context.Background(), x)
	require.NoError(t, err)
	b, err := parallel.Forward(context.Background(), x)
	require.NoError(t, err)
	c, err := parallel.Forward(context.Background(), x)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, b, c)
}

func TestResNet18MissingTensor(t *testing.T) {
	weights := tinyResNetWeights(tinyWidths)
	delete(weights, "layer3.1.bn2.running_var")

	_, err := NewResNet18(weights)
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestResNet18ChannelMismatch(t *testing.T) {
	weights := tinyResNetWeights(tinyWidths)
	delete(weights, "layer2.0.downsample.0.weight")

	_, err := NewResNet18(weights)
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestLoadResNet18FromSafetensors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.safetensors")
	require.NoError(t, os.WriteFile(path, encodeSafetensors(t, tinyResNetWeights(tinyWidths)), 0644))

	net, err := LoadResNet18(path)
	require.NoError(t, err)
	assert.Equal(t, tinyWidths[3], net.Dimension())

	_, err = LoadResNet18(filepath.Join(t.TempDir(), "absent.safetensors"))
	assert.ErrorIs(t, err, ErrModelUnavailable)

	bad := filepath.Join(t.TempDir(), "bad.safetensors")
	require.NoError(t, os.WriteFile(bad, bytes.Repeat([]byte{0xff}, 16), 0644))
	_, err = LoadResNet18(bad)
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestResNet18ForwardCancelled(t *testing.T) {
	net, err := NewResNet18(tinyResNetWeights(tinyWidths))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = net.Forward(ctx, tinyInput(32))
	assert.Error(t, err)
}

func TestConv2dForward(t *testing.T) {
	c := &conv2d{
		out: 1, in: 1, k: 3,
		stride: 1, pad: 1,
		weight: []float32{1, 1, 1, 1, 1, 1, 1, 1, 1},
		bias:   []float32{0.5},
	}
	x := NewTensor(1, 3, 3)
	for i := range x.Data {
		x.Data[i] = 1
	}

	out, err := c.forward(context.Background(), x, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, out.H)
	assert.Equal(t, 3, out.W)
	assert.Equal(t, []float32{4.5, 6.5, 4.5, 6.5, 9.5, 6.5, 4.5, 6.5, 4.5}, out.Data)
}

func TestMaxPoolIgnoresPadding(t *testing.T) {
	x := NewTensor(1, 2, 2)
	copy(x.Data, []float32{-4, -3, -2, -1})

	out := maxPool(x, 3, 2, 1)
	assert.Equal(t, []float32{-1}, out.Data)
}

func TestFoldConvAppliesBatchNorm(t *testing.T) {
	weights := map[string]*WeightTensor{
		"c.weight":       {Shape: []int{1, 1, 1, 1}, Data: []float32{2}},
		"b.weight":       {Shape: []int{1}, Data: []float32{3}},
		"b.bias":         {Shape: []int{1}, Data: []float32{1}},
		"b.running_mean": {Shape: []int{1}, Data: []float32{0.5}},
		"b.running_var":  {Shape: []int{1}, Data: []float32{4 - batchNormEps}},
	}

	c, err := foldConv(weights, "c", "b", 1, 0)
	require.NoError(t, err)

	// y = 3 * (2x - 0.5) / 2 + 1
	assert.InDelta(t, 3.0, c.weight[0], 1e-5)
	assert.InDelta(t, 0.25, c.bias[0], 1e-5)
}
