package internal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// fakeExtractor embeds an image as its mean colour plus a constant, which is
// enough to tell solid-colour fixtures apart.
type fakeExtractor struct {
	dim int
}

func (f *fakeExtractor) Dimension() int { return f.dim }

func (f *fakeExtractor) Embed(ctx context.Context, path string) (Embedding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Embedding{}, ErrDecode
	}
	return f.EmbedBytes(ctx, data)
}

func (f *fakeExtractor) EmbedBytes(_ context.Context, data []byte) (Embedding, error) {
	img, err := DecodeImage(data)
	if err != nil {
		return Embedding{}, err
	}

	var sum [3]float64
	for i := 0; i < len(img.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			sum[c] += float64(img.Pix[i+c])
		}
	}
	n := float64(len(img.Pix) / 4)

	vec := make([]float32, f.dim)
	for c := 0; c < 3 && c < f.dim; c++ {
		vec[c] = float32(sum[c] / n / 255)
	}
	vec[f.dim-1] += 0.1
	return NewEmbedding(l2Normalize(vec), "fake"), nil
}

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// unitAtlas builds an atlas from raw rows, normalising each.
func unitAtlas(t *testing.T, rows [][]float32, labels []string) *Atlas {
	t.Helper()
	dim := len(rows[0])
	var vecs []float32
	ids := make([]int64, len(rows))
	entries := make([]AtlasEntry, len(rows))
	for i, r := range rows {
		vecs = append(vecs, l2Normalize(r)...)
		ids[i] = int64(i)
		label := "case"
		if labels != nil {
			label = labels[i]
		}
		entries[i] = AtlasEntry{ID: int64(i), FilePath: filepath.Join("corpus", label, "img.png"), Label: label}
	}
	a, err := NewAtlas(dim, vecs, ids, entries)
	if err != nil {
		t.Fatalf("new atlas: %v", err)
	}
	return a
}

// encodeSafetensors serialises tensors in the safetensors layout.
func encodeSafetensors(t *testing.T, tensors map[string]*WeightTensor) []byte {
	t.Helper()

	names := make([]string, 0, len(tensors))
	for n := range tensors {
		names = append(names, n)
	}
	sort.Strings(names)

	header := map[string]any{"__metadata__": map[string]string{"format": "pt"}}
	var body bytes.Buffer
	for _, n := range names {
		w := tensors[n]
		begin := body.Len()
		for _, v := range w.Data {
			binary.Write(&body, binary.LittleEndian, math.Float32bits(v))
		}
		header[n] = map[string]any{
			"dtype":        "F32",
			"shape":        w.Shape,
			"data_offsets": []int{begin, body.Len()},
		}
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint64(len(hdr)))
	out.Write(hdr)
	out.Write(body.Bytes())
	return out.Bytes()
}

// tinyResNetWeights returns a ResNet-18 shaped checkpoint with reduced widths
// and deterministic pseudo-random parameters.
func tinyResNetWeights(widths [4]int) map[string]*WeightTensor {
	seed := uint32(1)
	next := func() float32 {
		seed = seed*1664525 + 1013904223
		return float32(seed>>8)/float32(1<<24) - 0.5
	}

	weights := map[string]*WeightTensor{}
	conv := func(name string, out, in, k int) {
		data := make([]float32, out*in*k*k)
		for i := range data {
			data[i] = next() * 0.5
		}
		weights[name+".weight"] = &WeightTensor{Shape: []int{out, in, k, k}, Data: data}
	}
	bn := func(name string, ch int) {
		gamma := make([]float32, ch)
		beta := make([]float32, ch)
		mean := make([]float32, ch)
		variance := make([]float32, ch)
		for i := 0; i < ch; i++ {
			gamma[i] = 1 + next()*0.1
			beta[i] = next() * 0.1
			mean[i] = next() * 0.1
			variance[i] = 1 + next()*0.1
		}
		weights[name+".weight"] = &WeightTensor{Shape: []int{ch}, Data: gamma}
		weights[name+".bias"] = &WeightTensor{Shape: []int{ch}, Data: beta}
		weights[name+".running_mean"] = &WeightTensor{Shape: []int{ch}, Data: mean}
		weights[name+".running_var"] = &WeightTensor{Shape: []int{ch}, Data: variance}
	}

	conv("conv1", widths[0], 3, 7)
	bn("bn1", widths[0])

	in := widths[0]
	for s := 0; s < 4; s++ {
		out := widths[s]
		for b := 0; b < 2; b++ {
			p := "layer" + string(rune('1'+s)) + "." + string(rune('0'+b)) + "."
			blockIn := in
			if b == 1 {
				blockIn = out
			}
			conv(p+"conv1", out, blockIn, 3)
			bn(p+"bn1", out)
			conv(p+"conv2", out, out, 3)
			bn(p+"bn2", out)
			if b == 0 && s > 0 {
				conv(p+"downsample.0", out, blockIn, 1)
				bn(p+"downsample.1", out)
			}
		}
		in = out
	}

	weights["fc.weight"] = &WeightTensor{Shape: []int{10, widths[3]}, Data: make([]float32, 10*widths[3])}
	weights["fc.bias"] = &WeightTensor{Shape: []int{10}, Data: make([]float32, 10)}
	return weights
}

// pngWithBands draws a w×h image whose middle third is white and the rest black.
func pngWithBands(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{A: 255}
			if x >= w/3 && x < 2*w/3 {
				c = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
