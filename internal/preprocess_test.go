package internal

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreprocessShapeAndNormalisation(t *testing.T) {
	data := pngBytes(t, 300, 260, color.NRGBA{R: 255, G: 128, B: 0, A: 255})

	x, err := Preprocess(data, InputSize)
	require.NoError(t, err)
	assert.Equal(t, 3, x.C)
	assert.Equal(t, InputSize, x.H)
	assert.Equal(t, InputSize, x.W)
	assert.Len(t, x.Data, 3*InputSize*InputSize)

	want := [3]float32{
		(1 - imageNetMean[0]) / imageNetStd[0],
		(128.0/255 - imageNetMean[1]) / imageNetStd[1],
		(0 - imageNetMean[2]) / imageNetStd[2],
	}
	for c := 0; c < 3; c++ {
		plane := x.Plane(c)
		assert.InDelta(t, want[c], plane[0], 0.02, "channel %d corner", c)
		assert.InDelta(t, want[c], plane[len(plane)/2], 0.02, "channel %d centre", c)
	}
}

func TestPreprocessDropsAlpha(t *testing.T) {
	opaque, err := Preprocess(pngBytes(t, 32, 32, color.NRGBA{R: 10, G: 20, B: 30, A: 255}), 16)
	require.NoError(t, err)
	translucent, err := Preprocess(pngBytes(t, 32, 32, color.NRGBA{R: 10, G: 20, B: 30, A: 40}), 16)
	require.NoError(t, err)

	require.Len(t, translucent.Data, len(opaque.Data))
	for i := range opaque.Data {
		assert.InDelta(t, opaque.Data[i], translucent.Data[i], 0.05)
	}
}

func TestPreprocessCropsTheCentre(t *testing.T) {
	// A wide image: left and right thirds are black, the middle is white.
	img := pngWithBands(t, 90, 30)

	x, err := Preprocess(img, 30)
	require.NoError(t, err)

	white := (1 - imageNetMean[0]) / imageNetStd[0]
	for _, v := range x.Plane(0) {
		assert.InDelta(t, white, v, 1e-4)
	}
}

func TestDecodeImageRejectsGarbage(t *testing.T) {
	_, err := DecodeImage([]byte("definitely not an image"))
	assert.ErrorIs(t, err, ErrDecode)

	_, err = Preprocess(nil, InputSize)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestResizeShorterKeepsAspect(t *testing.T) {
	img, err := DecodeImage(pngBytes(t, 400, 200, color.White))
	require.NoError(t, err)

	out := resizeShorter(img, 100)
	assert.Equal(t, 200, out.Bounds().Dx())
	assert.Equal(t, 100, out.Bounds().Dy())
}
