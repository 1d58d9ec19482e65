package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/cwbudde/rectfit/internal/fit"
	"github.com/cwbudde/rectfit/internal/store"
	"github.com/spf13/cobra"
)

var (
	resumeDataDir   string
	resumeOut       string
	resumeFramesDir string
	resumeShapes    int
	resumeRef       string
	resumeAlpha     float64
	resumeMaxSize   int
)

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Continue a checkpointed job",
	Long: `Loads a checkpoint, replays its accepted rectangles onto the reference and
continues placing shapes until --shapes rounds are done in total.
--ref, --alpha and --max-size are only accepted when they match the checkpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", "./data", "Base directory for checkpoint storage")
	resumeCmd.Flags().StringVar(&resumeOut, "out", "out.png", "Output image path")
	resumeCmd.Flags().StringVar(&resumeFramesDir, "frames-dir", "", "Directory for per-round frames (empty = none)")
	resumeCmd.Flags().IntVar(&resumeShapes, "shapes", 0, "Total placement rounds (0 = keep the checkpoint's target)")
	resumeCmd.Flags().StringVar(&resumeRef, "ref", "", "Reference image path (must match the checkpoint)")
	resumeCmd.Flags().Float64Var(&resumeAlpha, "alpha", 0, "Blend weight (must match the checkpoint)")
	resumeCmd.Flags().IntVar(&resumeMaxSize, "max-size", 0, "Reference downscale limit (must match the checkpoint)")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewFSStore(resumeDataDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	s, err := loadSession(st, args[0], func(c *store.JobConfig) {
		flags := cmd.Flags()
		if flags.Changed("ref") {
			c.RefPath = resumeRef
		}
		if flags.Changed("alpha") {
			c.Alpha = resumeAlpha
		}
		if flags.Changed("max-size") {
			c.MaxSize = resumeMaxSize
		}
		if resumeShapes > 0 {
			c.Shapes = resumeShapes
		}
	})
	if err != nil {
		return err
	}
	s.framesDir = resumeFramesDir

	if err := s.run(ctx); err != nil {
		return err
	}
	return writeResult(s, resumeOut)
}

// loadSession restores a session from the checkpoint of jobID. override may
// change the stored config; the result must stay compatible with the checkpoint.
func loadSession(st *store.FSStore, jobID string, override func(*store.JobConfig)) (*session, error) {
	cp, err := st.LoadCheckpoint(jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	config := cp.Config
	if override != nil {
		override(&config)
	}
	if err := cp.IsCompatible(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s, err := newSession(jobID, config, st)
	if err != nil {
		return nil, err
	}
	s.shapes = cp.Shapes
	s.rounds = cp.Iteration

	// A different cost means the reference file changed since the checkpoint
	replayed := fit.Replay(s.target, s.shapes, config.Alpha)
	if cost, err := fit.RMSE(replayed, s.target); err == nil && math.Abs(cost-cp.BestCost) > 1e-9 {
		slog.Warn("Replayed cost differs from checkpoint",
			"job_id", jobID,
			"checkpoint_cost", cp.BestCost,
			"replayed_cost", cost,
		)
	}

	slog.Info("Resuming job",
		"job_id", jobID,
		"accepted", len(cp.Shapes),
		"rounds", cp.Iteration,
		"target_rounds", config.Shapes,
	)
	return s, nil
}
