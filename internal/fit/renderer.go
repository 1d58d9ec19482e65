package fit

// Renderer composites shapes onto a base buffer
type Renderer interface {
	// Render returns a new buffer with s blended onto base
	Render(s Shape, base Buffer) Buffer
}

// AlphaRenderer renders rectangles with a fixed blend weight
type AlphaRenderer struct {
	Alpha float64
}

// Render implements Renderer
func (r AlphaRenderer) Render(s Shape, base Buffer) Buffer {
	return Draw(s, base, r.Alpha)
}

// Draw blends a rectangle onto a copy of base and returns the copy.
//
// Corners are normalized and clamped to the canvas, so any part of the shape
// outside the canvas is dropped. Each covered pixel becomes
// uint8(color*alpha + old*(1-alpha)); the conversion truncates toward zero.
func Draw(s Shape, base Buffer, alpha float64) Buffer {
	out := base.Clone()
	if base.Width <= 0 || base.Height <= 0 {
		return out
	}

	alpha = clamp(alpha, 0, 1)
	col := clamp(float64(s.Color), 0, 255)

	minX, minY, maxX, maxY := s.Rect()
	minX = max(minX, 0)
	minY = max(minY, 0)
	maxX = min(maxX, base.Width-1)
	maxY = min(maxY, base.Height-1)

	// Fully off-canvas shapes collapse to an empty range
	if minX > maxX || minY > maxY {
		return out
	}

	fg := col * alpha
	keep := 1 - alpha

	for y := minY; y <= maxY; y++ {
		row := out.Pix[y*base.Width : (y+1)*base.Width]
		for x := minX; x <= maxX; x++ {
			row[x] = uint8(fg + float64(row[x])*keep)
		}
	}

	return out
}
