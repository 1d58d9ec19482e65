package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cwbudde/rectfit/internal/fit"
	"github.com/cwbudde/rectfit/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// fitOptions are the engine flags shared by run and resume
type fitOptions struct {
	optimizer string
	shapes    int
	alpha     float64
	rounds    int
	epsilon   float64
	policy    string
	accel     float64
	step      float64
	steps     []float64
	workers   int
	popSize   int
	seed      int64
	maxSize   int
	patience  int
	threshold float64
}

func (o *fitOptions) register(fs *pflag.FlagSet) {
	d := store.DefaultJobConfig()
	fs.StringVar(&o.optimizer, "optimizer", d.Optimizer, "Shape optimizer: compass, mayfly")
	fs.IntVar(&o.shapes, "shapes", d.Shapes, "Number of placement rounds (one rectangle each)")
	fs.Float64Var(&o.alpha, "alpha", d.Alpha, "Blend weight of each rectangle in [0,1]")
	fs.IntVar(&o.rounds, "rounds", d.Rounds, "Search rounds per rectangle (mayfly: iterations)")
	fs.Float64Var(&o.epsilon, "epsilon", d.Epsilon, "Per-round RMSE gain threshold")
	fs.StringVar(&o.policy, "policy", d.Policy, "How epsilon ends a search: stagnation, large-gain")
	fs.Float64Var(&o.accel, "accel", d.Acceleration, "Compass step acceleration (> 1)")
	fs.Float64Var(&o.step, "step", d.Step, "Initial compass step for every parameter")
	fs.Float64SliceVar(&o.steps, "steps", nil, "Initial compass steps for x1,y1,x2,y2,color (overrides --step)")
	fs.IntVar(&o.workers, "workers", d.Workers, "Concurrent candidate evaluations")
	fs.IntVar(&o.popSize, "pop", d.PopSize, "Mayfly population size")
	fs.Int64Var(&o.seed, "seed", d.Seed, "Random seed")
	fs.IntVar(&o.maxSize, "max-size", 0, "Downscale the reference so its longer side fits (0 = keep)")
	fs.IntVar(&o.patience, "patience", 0, "Stop after this many rounds without significant improvement (0 = run every round)")
	fs.Float64Var(&o.threshold, "threshold", fit.DefaultConvergenceConfig().Threshold, "Relative RMSE improvement that resets --patience")
}

func (o *fitOptions) jobConfig(refPath string) store.JobConfig {
	return store.JobConfig{
		RefPath:      refPath,
		Optimizer:    o.optimizer,
		Shapes:       o.shapes,
		Alpha:        o.alpha,
		Rounds:       o.rounds,
		Epsilon:      o.epsilon,
		Policy:       o.policy,
		Acceleration: o.accel,
		Step:         o.step,
		Steps:        o.steps,
		Workers:      o.workers,
		PopSize:      o.popSize,
		Seed:         o.seed,
		MaxSize:      o.maxSize,

		Patience:             o.patience,
		ConvergenceThreshold: o.threshold,
	}
}

var (
	refPath    string
	outPath    string
	framesDir  string
	runDataDir string
	checkpoint bool
	runOpts    fitOptions
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run single-shot optimization",
	Long: `Approximates the reference image with rectangles and writes the final canvas.
With --frames-dir every intermediate canvas is written as frame_NNNN.png.
With --checkpoint the result is saved under --data-dir so it can be resumed.`,
	RunE: runOptimization,
}

func init() {
	runCmd.Flags().StringVar(&refPath, "ref", "", "Reference image path (required)")
	runCmd.Flags().StringVar(&outPath, "out", "out.png", "Output image path")
	runCmd.Flags().StringVar(&framesDir, "frames-dir", "", "Directory for per-round frames (empty = none)")
	runCmd.Flags().StringVar(&runDataDir, "data-dir", "./data", "Base directory for checkpoints and traces")
	runCmd.Flags().BoolVar(&checkpoint, "checkpoint", false, "Save a resumable checkpoint and trace")
	runOpts.register(runCmd.Flags())

	runCmd.MarkFlagRequired("ref")
	rootCmd.AddCommand(runCmd)
}

func runOptimization(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config := runOpts.jobConfig(refPath)
	if err := config.Validate(); err != nil {
		return err
	}

	var st *store.FSStore
	if checkpoint {
		var err error
		st, err = store.NewFSStore(runDataDir)
		if err != nil {
			return fmt.Errorf("failed to create checkpoint store: %w", err)
		}
	}

	s, err := newSession(uuid.New().String(), config, st)
	if err != nil {
		return err
	}
	s.framesDir = framesDir

	if err := s.run(ctx); err != nil {
		return err
	}
	return writeResult(s, outPath)
}

// newSession loads the reference and prepares a fresh session
func newSession(jobID string, config store.JobConfig, st *store.FSStore) (*session, error) {
	target, err := fit.LoadReference(config.RefPath, config.MaxSize)
	if err != nil {
		return nil, err
	}

	return &session{
		jobID:  jobID,
		config: config,
		target: target,
		shapes: []fit.Shape{},
		store:  st,
	}, nil
}

// writeResult saves the final canvas and prints a one-line summary
func writeResult(s *session, out string) error {
	if err := fit.SavePNG(out, s.canvas); err != nil {
		return err
	}

	fmt.Printf("Wrote %s (cost: %.2f -> %.2f, %d/%d shapes accepted)\n",
		out, s.initialCost, s.bestCost, len(s.shapes), s.rounds)
	if s.store != nil {
		fmt.Printf("Checkpoint: %s (resume with: rectfit resume %s)\n", s.store.JobDir(s.jobID), s.jobID)
	}
	return nil
}
