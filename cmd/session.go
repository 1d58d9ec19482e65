package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/cwbudde/rectfit/internal/fit"
	"github.com/cwbudde/rectfit/internal/store"
)

// session drives the shape placement of one CLI job. Start with no shapes
// for a fresh run, or with the shapes and round count of a checkpoint to
// continue it.
type session struct {
	jobID     string
	config    store.JobConfig
	target    fit.Buffer
	shapes    []fit.Shape // accepted so far, in drawing order
	rounds    int         // rounds completed so far
	framesDir string      // write every frame here when set
	store     *store.FSStore

	canvas      fit.Buffer
	initialCost float64
	bestCost    float64
}

// run places shapes until config.Shapes rounds are done in total or ctx is
// cancelled. A cancelled run is not an error: the partial result is still
// persisted and returned.
func (s *session) run(ctx context.Context) error {
	cfg := s.config.FitConfig()
	optimizer, err := fit.NewShapeOptimizer(cfg)
	if err != nil {
		return err
	}

	if s.framesDir != "" {
		if err := os.MkdirAll(s.framesDir, 0755); err != nil {
			return fmt.Errorf("failed to create frames directory: %w", err)
		}
	}

	s.initialCost, err = fit.RMSE(fit.MeanBuffer(s.target), s.target)
	if err != nil {
		return err
	}
	s.canvas = fit.Replay(s.target, s.shapes, cfg.Alpha)
	s.bestCost, err = fit.RMSE(s.canvas, s.target)
	if err != nil {
		return err
	}

	var trace *store.TraceWriter
	if s.store != nil {
		trace, err = store.NewTraceWriter(s.store.TraceDir(), s.jobID, s.rounds > 0)
		if err != nil {
			return err
		}
		defer trace.Close()
	}

	rng := rand.New(rand.NewSource(cfg.Seed + int64(s.rounds)))
	driver := fit.NewDriver(cfg, optimizer, rng)

	slog.Info("Placing shapes",
		"job_id", s.jobID,
		"optimizer", cfg.Optimizer,
		"from_round", s.rounds,
		"to_round", cfg.ShapeCount,
		"initial_cost", s.initialCost,
		"start_cost", s.bestCost,
	)

	start := time.Now()
	for frame, err := range driver.RunFrom(ctx, s.target, s.canvas, s.rounds, cfg.ShapeCount-s.rounds) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				slog.Warn("Interrupted, keeping partial result", "job_id", s.jobID, "rounds", s.rounds)
				break
			}
			return err
		}

		s.rounds = frame.Index + 1
		s.canvas = frame.Canvas
		s.bestCost = frame.Score
		if frame.Accepted {
			s.shapes = append(s.shapes, frame.Shape)
		}

		if s.framesDir != "" {
			path := filepath.Join(s.framesDir, fmt.Sprintf("frame_%04d.png", frame.Index))
			if err := fit.SavePNG(path, frame.Canvas); err != nil {
				return err
			}
		}

		if trace != nil {
			shape := frame.Shape
			if err := trace.Write(store.TraceEntry{
				Iteration: frame.Index,
				Cost:      frame.Score,
				Accepted:  frame.Accepted,
				Timestamp: time.Now(),
				Shape:     &shape,
			}); err != nil {
				return err
			}
		}
	}

	slog.Info("Shape placement finished",
		"job_id", s.jobID,
		"elapsed", time.Since(start),
		"rounds", s.rounds,
		"accepted", len(s.shapes),
		"best_cost", s.bestCost,
	)

	return s.persist()
}

// persist saves the checkpoint and the best/diff artifacts
func (s *session) persist() error {
	if s.store == nil {
		return nil
	}

	checkpoint := store.NewCheckpoint(s.jobID, s.shapes, s.bestCost, s.initialCost, s.rounds, s.config)
	if err := s.store.SaveCheckpoint(s.jobID, checkpoint); err != nil {
		return err
	}
	if err := s.store.SaveImage(s.jobID, "best.png", s.canvas.Image()); err != nil {
		return err
	}

	diff, err := fit.DiffImage(s.target, s.canvas)
	if err != nil {
		return err
	}
	return s.store.SaveImage(s.jobID, "diff.png", diff)
}
