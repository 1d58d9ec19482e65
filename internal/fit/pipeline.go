package fit

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
)

// Frame is the canvas after one driver round
type Frame struct {
	Index    int     // zero-based round number
	Canvas   Buffer  // canvas after the round; unchanged when the shape was rejected
	Shape    Shape   // shape proposed by the optimizer this round
	Accepted bool    // whether Shape was composited into Canvas
	Score    float64 // RMSE of Canvas against the target
}

// Driver places one optimized shape per round onto a canvas.
// Renderer composites the accepted shapes and Cost decides acceptance; they
// should match what the optimizer searched with.
type Driver struct {
	Optimizer   ShapeOptimizer
	Rand        Rand
	Renderer    Renderer
	Cost        CostFunc
	Convergence ConvergenceConfig
}

// NewDriver creates a driver from cfg. rng seeds the initial shape of every round.
func NewDriver(cfg Config, optimizer ShapeOptimizer, rng Rand) *Driver {
	return &Driver{
		Optimizer:   optimizer,
		Rand:        rng,
		Renderer:    AlphaRenderer{Alpha: cfg.Alpha},
		Cost:        RMSE,
		Convergence: cfg.Convergence,
	}
}

// Run starts from the flat mean of target and yields shapeCount frames.
// See RunFrom for the sequence semantics.
func (d *Driver) Run(ctx context.Context, target Buffer, shapeCount int) iter.Seq2[Frame, error] {
	return d.RunFrom(ctx, target, MeanBuffer(target), 0, shapeCount)
}

// RunFrom yields one frame per round starting from canvas, numbering frames from
// firstIndex. A shape is committed only when it does not raise the RMSE.
//
// The sequence is lazy and can be consumed once; later iterations yield nothing.
// It ends early on the first error, on ctx cancellation, or when the
// convergence tracker runs out of patience.
func (d *Driver) RunFrom(ctx context.Context, target, canvas Buffer, firstIndex, shapeCount int) iter.Seq2[Frame, error] {
	consumed := false

	return func(yield func(Frame, error) bool) {
		if consumed {
			return
		}
		consumed = true

		if err := checkPair(canvas, target); err != nil {
			yield(Frame{Index: firstIndex}, err)
			return
		}
		if target.Len() == 0 {
			yield(Frame{Index: firstIndex}, fmt.Errorf("%w: empty target", ErrInvalidBuffer))
			return
		}

		tracker := NewConvergenceTracker(d.Convergence)
		score, err := d.Cost(canvas, target)
		if err != nil {
			yield(Frame{Index: firstIndex}, err)
			return
		}
		tracker.Update(score)

		slog.Info("Starting shape placement", "shapes", shapeCount, "initial_score", score)

		for i := 0; i < shapeCount; i++ {
			index := firstIndex + i
			if err := ctx.Err(); err != nil {
				yield(Frame{Index: index, Canvas: canvas, Score: score}, err)
				return
			}

			seed := RandomShape(d.Rand, target.Width, target.Height)
			shape, err := d.Optimizer.Optimize(canvas, target, seed)
			if err != nil {
				yield(Frame{Index: index, Canvas: canvas, Score: score}, fmt.Errorf("round %d: %w", index, err))
				return
			}
			// Searches may wander far off the canvas
			shape = shape.Clamp(target.Width, target.Height)

			candidate := d.Renderer.Render(shape, canvas)
			candidateScore, err := d.Cost(candidate, target)
			if err != nil {
				yield(Frame{Index: index, Canvas: canvas, Score: score}, fmt.Errorf("round %d: %w", index, err))
				return
			}
			accepted := candidateScore <= score
			if accepted {
				canvas = candidate
				score = candidateScore
			}

			slog.Debug("Round finished",
				"index", index,
				"accepted", accepted,
				"candidate_score", candidateScore,
				"score", score,
			)

			if !yield(Frame{Index: index, Canvas: canvas, Shape: shape, Accepted: accepted, Score: score}, nil) {
				return
			}
			if tracker.Update(score) {
				slog.Info("Convergence detected, stopping early",
					"index", index,
					"stale_rounds", tracker.StaleCount(),
					"best_score", tracker.BestScore(),
				)
				return
			}
		}
	}
}

// Replay rebuilds a canvas by drawing shapes, in order, onto the flat mean of target
func Replay(target Buffer, shapes []Shape, alpha float64) Buffer {
	canvas := MeanBuffer(target)
	for _, s := range shapes {
		canvas = Draw(s, canvas, alpha)
	}
	return canvas
}
