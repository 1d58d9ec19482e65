package fit

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when two buffers that must align have different sizes
var ErrDimensionMismatch = errors.New("buffer dimensions must match")

// CostFunc computes the error between current and reference buffers
type CostFunc func(current, reference Buffer) (float64, error)

// RMSE computes the root-mean-square error over all samples.
// N is the pixel count of the single grayscale channel.
func RMSE(current, reference Buffer) (float64, error) {
	if !current.SameSize(reference) {
		return 0, fmt.Errorf("%w: %dx%d vs %dx%d", ErrDimensionMismatch,
			current.Width, current.Height, reference.Width, reference.Height)
	}
	if len(current.Pix) != len(reference.Pix) {
		return 0, fmt.Errorf("%w: %d vs %d samples", ErrInvalidBuffer, len(current.Pix), len(reference.Pix))
	}
	return rmse(current.Pix, reference.Pix), nil
}

// rmse assumes equal lengths
func rmse(a, b []uint8) float64 {
	if len(a) == 0 {
		return 0
	}

	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}

	return math.Sqrt(sum / float64(len(a)))
}
