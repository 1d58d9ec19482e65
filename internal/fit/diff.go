package fit

import (
	"fmt"
	"image"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
)

var (
	diffCold = colorful.Color{R: 0, G: 0, B: 0}
	diffHot  = colorful.Color{R: 1, G: 0.15, B: 0}
)

// DiffImage creates a false-color difference image: black = no diff, red = high diff.
// The ramp is interpolated in Lab space so mid-range errors stay visible.
func DiffImage(reference, best Buffer) (*image.NRGBA, error) {
	if !reference.SameSize(best) {
		return nil, fmt.Errorf("%w: %dx%d vs %dx%d", ErrDimensionMismatch,
			reference.Width, reference.Height, best.Width, best.Height)
	}

	// One entry per possible absolute difference
	var ramp [256]color.NRGBA
	for d := range ramp {
		c := diffCold.BlendLab(diffHot, float64(d)/255).Clamped()
		r, g, b := c.RGB255()
		ramp[d] = color.NRGBA{R: r, G: g, B: b, A: 255}
	}

	img := image.NewNRGBA(image.Rect(0, 0, reference.Width, reference.Height))
	for i := range reference.Pix {
		d := int(reference.Pix[i]) - int(best.Pix[i])
		if d < 0 {
			d = -d
		}
		c := ramp[d]
		o := i * 4
		img.Pix[o+0] = c.R
		img.Pix[o+1] = c.G
		img.Pix[o+2] = c.B
		img.Pix[o+3] = c.A
	}

	return img, nil
}
