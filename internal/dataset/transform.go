package dataset

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
)

// Tensor is a dense float32 array in row-major order, held on the host.
// Images are laid out CHW.
type Tensor struct {
	Data  []float32
	Shape []int
}

// NumElements returns the product of the shape.
func (t Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Transform converts a decoded image into a tensor.
type Transform interface {
	Apply(img image.Image) (Tensor, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(img image.Image) (Tensor, error)

// Apply calls f(img).
func (f TransformFunc) Apply(img image.Image) (Tensor, error) {
	return f(img)
}

// ToTensor converts an image to a [3, H, W] tensor with values in [0, 1].
//
// Every image is first brought to RGB: grayscale is replicated across the
// three channels, alpha is dropped without compositing, paletted images are
// expanded.
type ToTensor struct{}

// Apply implements Transform.
func (ToTensor) Apply(img image.Image) (Tensor, error) {
	if img == nil {
		return Tensor{}, errors.New("to tensor: nil image")
	}
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	if h == 0 || w == 0 {
		return Tensor{}, errors.Errorf("to tensor: empty image %dx%d", w, h)
	}

	plane := h * w
	data := make([]float32, 3*plane)
	r, g, bl := data[:plane], data[plane:2*plane], data[2*plane:]

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			row := src.Pix[off : off+w]
			for x, v := range row {
				f := float32(v) / 255
				i := y*w + x
				r[i], g[i], bl[i] = f, f, f
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				i := y*w + x
				r[i] = float32(c.R) / 255
				g[i] = float32(c.G) / 255
				bl[i] = float32(c.B) / 255
			}
		}
	}

	return Tensor{Data: data, Shape: []int{3, h, w}}, nil
}
