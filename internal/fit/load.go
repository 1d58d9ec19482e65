package fit

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// LoadReference decodes the image at path, shrinks it so its longer side fits
// maxSize (0 keeps the original size) and converts it to grayscale.
func LoadReference(path string, maxSize int) (Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Buffer{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return Buffer{}, fmt.Errorf("failed to decode image: %w", err)
	}

	target := FromImage(Downscale(img, maxSize))
	if target.Len() == 0 {
		return Buffer{}, fmt.Errorf("%w: %s has no pixels", ErrInvalidBuffer, path)
	}
	return target, nil
}

// SavePNG writes b to path as an 8-bit grayscale PNG
func SavePNG(path string, b Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := png.Encode(f, b.Image()); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}
