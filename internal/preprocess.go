package internal

import (
	"bytes"
	"fmt"
	"image"
	"math"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const InputSize = 224

// ImageNet channel statistics used by the pretrained backbone.
var (
	imageNetMean = [3]float32{0.485, 0.456, 0.406}
	imageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Tensor is a dense CHW activation volume.
type Tensor struct {
	C, H, W int
	Data    []float32
}

func NewTensor(c, h, w int) *Tensor {
	return &Tensor{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

// Plane returns channel c. The slice aliases the tensor.
func (t *Tensor) Plane(c int) []float32 {
	n := t.H * t.W
	return t.Data[c*n : (c+1)*n]
}

// DecodeImage decodes any registered format into an RGB image, dropping alpha.
func DecodeImage(data []byte) (*image.NRGBA, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}

	rgb := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgb, rgb.Bounds(), src, b.Min, draw.Src)
	for i := 3; i < len(rgb.Pix); i += 4 {
		rgb.Pix[i] = 0xff
	}
	return rgb, nil
}

// resizeShorter scales img so its shorter side equals size, keeping aspect.
func resizeShorter(img *image.NRGBA, size int) *image.NRGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	var nw, nh int
	if w <= h {
		nw, nh = size, int(float64(size)*float64(h)/float64(w))
	} else {
		nw, nh = int(float64(size)*float64(w)/float64(h)), size
	}
	if nw == w && nh == h {
		return img
	}

	dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// centerCrop cuts a size×size square from the middle of img.
func centerCrop(img *image.NRGBA, size int) *image.NRGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	top := int(math.Round(float64(h-size) / 2))
	left := int(math.Round(float64(w-size) / 2))

	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), img, image.Pt(img.Bounds().Min.X+left, img.Bounds().Min.Y+top), draw.Src)
	return dst
}

// Preprocess turns encoded image bytes into the normalised 3×size×size input.
func Preprocess(data []byte, size int) (*Tensor, error) {
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}

	img = centerCrop(resizeShorter(img, size), size)

	t := NewTensor(3, size, size)
	plane := size * size
	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+size*4]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				t.Data[c*plane+y*size+x] = (v - imageNetMean[c]) / imageNetStd[c]
			}
		}
	}

	return t, nil
}
