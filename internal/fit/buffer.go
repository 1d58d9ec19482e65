package fit

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// ErrInvalidBuffer is returned when a buffer's sample count does not match its dimensions
var ErrInvalidBuffer = errors.New("invalid pixel buffer")

// Buffer is a grayscale raster stored row-major, one 8-bit sample per pixel
type Buffer struct {
	Pix    []uint8
	Width  int
	Height int
}

// NewBuffer creates a black buffer of the given size
func NewBuffer(width, height int) Buffer {
	return Buffer{
		Pix:    make([]uint8, width*height),
		Width:  width,
		Height: height,
	}
}

// NewUniformBuffer creates a buffer where every sample equals v
func NewUniformBuffer(width, height int, v uint8) Buffer {
	b := NewBuffer(width, height)
	for i := range b.Pix {
		b.Pix[i] = v
	}
	return b
}

// At returns the sample at (x, y)
func (b Buffer) At(x, y int) uint8 {
	return b.Pix[y*b.Width+x]
}

// Len returns the number of pixels
func (b Buffer) Len() int {
	return b.Width * b.Height
}

// Clone returns a deep copy
func (b Buffer) Clone() Buffer {
	pix := make([]uint8, len(b.Pix))
	copy(pix, b.Pix)
	return Buffer{Pix: pix, Width: b.Width, Height: b.Height}
}

// SameSize reports whether both buffers have identical dimensions
func (b Buffer) SameSize(o Buffer) bool {
	return b.Width == o.Width && b.Height == o.Height
}

// Validate checks the len(Pix) == Width*Height invariant
func (b Buffer) Validate() error {
	if b.Width < 0 || b.Height < 0 {
		return fmt.Errorf("%w: negative size %dx%d", ErrInvalidBuffer, b.Width, b.Height)
	}
	if len(b.Pix) != b.Width*b.Height {
		return fmt.Errorf("%w: %d samples for %dx%d", ErrInvalidBuffer, len(b.Pix), b.Width, b.Height)
	}
	return nil
}

// Image wraps the samples in an *image.Gray for encoding. The pixel data is copied.
func (b Buffer) Image() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, b.Width, b.Height))
	copy(img.Pix, b.Pix)
	return img
}

// FromImage converts any decoded image to a grayscale buffer of matching dimensions.
// The origin of the image bounds is moved to (0, 0).
func FromImage(img image.Image) Buffer {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	if g, ok := img.(*image.Gray); ok && g.Stride == width && bounds.Min == (image.Point{}) {
		return Buffer{Pix: append([]uint8(nil), g.Pix...), Width: width, Height: height}
	}

	gray := image.NewGray(image.Rect(0, 0, width, height))
	draw.Draw(gray, gray.Bounds(), img, bounds.Min, draw.Src)

	return Buffer{Pix: gray.Pix, Width: width, Height: height}
}

// Downscale shrinks img so that its longer side is at most maxSide pixels.
// Images already within the limit, or a non-positive maxSide, are returned unchanged.
func Downscale(img image.Image, maxSide int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return img
	}

	var nw, nh int
	if w >= h {
		nw = maxSide
		nh = max(1, h*maxSide/w)
	} else {
		nh = maxSide
		nw = max(1, w*maxSide/h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	return dst
}

// MeanBuffer returns a solid buffer filled with the integer-truncated mean of target
func MeanBuffer(target Buffer) Buffer {
	n := target.Len()
	if n == 0 {
		return NewBuffer(target.Width, target.Height)
	}

	var sum uint64
	for _, v := range target.Pix {
		sum += uint64(v)
	}

	return NewUniformBuffer(target.Width, target.Height, uint8(sum/uint64(n)))
}
