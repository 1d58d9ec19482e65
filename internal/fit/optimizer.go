package fit

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/cwbudde/rectfit/internal/opt"
)

// ShapeOptimizer searches for the rectangle that best reduces the error of base against target.
// The returned shape is not guaranteed to improve on base; callers check before committing it.
type ShapeOptimizer interface {
	Optimize(base, target Buffer, initial Shape) (Shape, error)
}

// CompassOptimizer refines a seed shape with an adaptive compass search
type CompassOptimizer struct {
	Renderer     Renderer
	Cost         CostFunc
	InitialSteps [ParamsPerShape]float64
	Compass      *opt.Compass
}

// NewCompassOptimizer builds a compass-backed optimizer from cfg.
// Candidates are rendered with AlphaRenderer and scored by RMSE.
func NewCompassOptimizer(cfg Config) *CompassOptimizer {
	return &CompassOptimizer{
		Renderer:     AlphaRenderer{Alpha: cfg.Alpha},
		Cost:         RMSE,
		InitialSteps: cfg.InitialSteps,
		Compass:      cfg.compass(),
	}
}

// Optimize implements ShapeOptimizer
func (o *CompassOptimizer) Optimize(base, target Buffer, initial Shape) (Shape, error) {
	if err := checkPair(base, target); err != nil {
		return initial, err
	}

	eval := shapeObjective(base, target, o.Renderer, o.Cost)
	start := opt.NewCompassState(initial.Params(), o.InitialSteps[:])

	res, err := o.Compass.Run(eval, start)
	if err != nil {
		return initial, fmt.Errorf("compass search: %w", err)
	}

	best := ShapeFromParams(res.State.Params)
	slog.Debug("Shape optimized",
		"rounds", res.Rounds,
		"converged", res.Converged,
		"score", res.Score,
		"shape", best.String(),
	)

	return best, nil
}

// MayflyOptimizer searches the normalized rectangle box with a bounded continuous optimizer.
// The seed shape is ignored; the population is drawn inside the canvas bounds.
type MayflyOptimizer struct {
	Renderer  Renderer
	Cost      CostFunc
	Optimizer opt.Optimizer
}

// NewMayflyOptimizer wraps opt.NewMayfly with the round cap as iteration budget
func NewMayflyOptimizer(cfg Config, popSize int) *MayflyOptimizer {
	return &MayflyOptimizer{
		Renderer:  AlphaRenderer{Alpha: cfg.Alpha},
		Cost:      RMSE,
		Optimizer: opt.NewMayfly(max(cfg.RoundCap, 1), popSize, cfg.Seed),
	}
}

// Optimize implements ShapeOptimizer
func (o *MayflyOptimizer) Optimize(base, target Buffer, initial Shape) (Shape, error) {
	if err := checkPair(base, target); err != nil {
		return initial, err
	}

	bounds := NewBounds(target.Width, target.Height)
	eval := shapeObjective(base, target, o.Renderer, o.Cost)

	lower := make([]float64, ParamsPerShape)
	upper := make([]float64, ParamsPerShape)
	for i := range upper {
		upper[i] = 1
	}

	best, cost := o.Optimizer.Run(func(u []float64) float64 {
		return eval(bounds.Denormalize(u).Params())
	}, lower, upper, ParamsPerShape)

	shape := bounds.Denormalize(best)
	slog.Debug("Shape optimized", "optimizer", "mayfly", "score", cost, "shape", shape.String())

	return shape, nil
}

// shapeObjective scores a parameter vector by rendering it onto base.
// A cost error scores +Inf so the search never moves there.
func shapeObjective(base, target Buffer, r Renderer, cost CostFunc) opt.IntObjective {
	return func(p []int) float64 {
		score, err := cost(r.Render(ShapeFromParams(p), base), target)
		if err != nil {
			return math.Inf(1)
		}
		return score
	}
}

func checkPair(base, target Buffer) error {
	if err := base.Validate(); err != nil {
		return fmt.Errorf("base: %w", err)
	}
	if err := target.Validate(); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if !base.SameSize(target) {
		return fmt.Errorf("%w: base %dx%d, target %dx%d", ErrDimensionMismatch,
			base.Width, base.Height, target.Width, target.Height)
	}
	return nil
}
