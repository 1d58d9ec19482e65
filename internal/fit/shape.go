package fit

import "fmt"

// ParamsPerShape is the number of integer parameters describing one rectangle
const ParamsPerShape = 5

// Shape is an axis-aligned rectangle given by two opposite corners plus a fill intensity.
// Corners need not be ordered and may lie outside the canvas; Draw normalizes and clamps them.
type Shape struct {
	X1    int `json:"x1"`
	Y1    int `json:"y1"`
	X2    int `json:"x2"`
	Y2    int `json:"y2"`
	Color int `json:"color"` // fill intensity, expected in [0,255]
}

// Params encodes the shape as a flat parameter vector (x1, y1, x2, y2, color)
func (s Shape) Params() []int {
	return []int{s.X1, s.Y1, s.X2, s.Y2, s.Color}
}

// ShapeFromParams decodes a parameter vector produced by Params
func ShapeFromParams(p []int) Shape {
	return Shape{X1: p[0], Y1: p[1], X2: p[2], Y2: p[3], Color: p[4]}
}

// Rect returns the normalized rectangle (min corner, max corner), inclusive
func (s Shape) Rect() (minX, minY, maxX, maxY int) {
	return min(s.X1, s.X2), min(s.Y1, s.Y2), max(s.X1, s.X2), max(s.Y1, s.Y2)
}

func (s Shape) String() string {
	return fmt.Sprintf("rect(%d,%d)-(%d,%d) color=%d", s.X1, s.Y1, s.X2, s.Y2, s.Color)
}

// Clamp pulls the corners into [-1, width] x [-1, height] and the color into
// [0,255]. The clamped shape draws exactly like s on a width x height canvas.
func (s Shape) Clamp(width, height int) Shape {
	return Shape{
		X1:    min(max(s.X1, -1), width),
		Y1:    min(max(s.Y1, -1), height),
		X2:    min(max(s.X2, -1), width),
		Y2:    min(max(s.Y2, -1), height),
		Color: min(max(s.Color, 0), 255),
	}
}

// Rand is the random source consumed when seeding shapes.
// *math/rand.Rand satisfies it.
type Rand interface {
	Intn(n int) int
}

// RandomShape draws corners uniformly inside a width x height canvas and a color in [0,255)
func RandomShape(rng Rand, width, height int) Shape {
	return Shape{
		X1:    rng.Intn(width),
		Y1:    rng.Intn(height),
		X2:    rng.Intn(width),
		Y2:    rng.Intn(height),
		Color: rng.Intn(255),
	}
}

// Bounds defines the parameter box used by optimizers that search a bounded space
type Bounds struct {
	Lower []float64
	Upper []float64
}

// NewBounds creates bounds for one rectangle in a WxH image
func NewBounds(width, height int) *Bounds {
	return &Bounds{
		Lower: []float64{0, 0, 0, 0, 0},
		Upper: []float64{
			float64(width - 1),
			float64(height - 1),
			float64(width - 1),
			float64(height - 1),
			255,
		},
	}
}

// Denormalize maps a point of the unit cube onto the bounds and truncates to a shape
func (b *Bounds) Denormalize(u []float64) Shape {
	p := make([]int, ParamsPerShape)
	for i := range p {
		v := b.Lower[i] + clamp(u[i], 0, 1)*(b.Upper[i]-b.Lower[i])
		p[i] = int(v)
	}
	return ShapeFromParams(p)
}

func clamp(val, lo, hi float64) float64 {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}
