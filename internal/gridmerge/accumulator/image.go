package accumulator

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Image is a dense float32 buffer in row-major order, x varying fastest.
type Image struct {
	Shape []int
	Pix   []float32
}

func NewImage(shape ...int) Image {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return Image{Shape: slices.Clone(shape), Pix: make([]float32, n)}
}

func (img Image) Len() int {
	return len(img.Pix)
}

// Add sums other into img element-wise. Shapes must match.
func (img Image) Add(other Image) error {
	if !slices.Equal(img.Shape, other.Shape) {
		return errors.Errorf("cannot add image of shape %v to image of shape %v", other.Shape, img.Shape)
	}
	for i, v := range other.Pix {
		img.Pix[i] += v
	}
	return nil
}

func (img Image) Clone() Image {
	return Image{Shape: slices.Clone(img.Shape), Pix: slices.Clone(img.Pix)}
}
