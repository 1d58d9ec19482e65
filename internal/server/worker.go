package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cwbudde/rectfit/internal/fit"
	"github.com/cwbudde/rectfit/internal/store"
)

const progressInterval = 500 * time.Millisecond

// jobRun is the state of one runJob call.
type jobRun struct {
	jm    *JobManager
	store store.Store // nil disables traces and checkpoints
	id    string

	start      time.Time
	startRound int // rounds done before this run
}

// runJob executes a placement job. Jobs that already carry shapes continue
// on the replayed canvas. With a store, every round is traced and the job is
// checkpointed when it ends and every CheckpointInterval seconds.
func runJob(ctx context.Context, jm *JobManager, checkpointStore store.Store, jobID string) error {
	defer jm.release(jobID)

	run := &jobRun{jm: jm, store: checkpointStore, id: jobID}
	err := run.execute(ctx)

	switch {
	case err == nil:
		run.finish(StateCompleted, nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		run.finish(StateCancelled, nil)
	case errors.Is(err, errJobMissing):
		return err
	default:
		run.finish(StateFailed, err)
	}
	return err
}

var errJobMissing = errors.New("job not found")

func (r *jobRun) execute(ctx context.Context) error {
	job, ok := r.jm.GetJob(r.id)
	if !ok {
		return fmt.Errorf("%w: %s", errJobMissing, r.id)
	}
	r.jm.UpdateJob(r.id, func(j *Job) { j.State = StateRunning })
	r.startRound = job.Iterations

	if err := job.Config.Validate(); err != nil {
		return err
	}
	cfg := job.Config.FitConfig()

	target, err := fit.LoadReference(job.Config.RefPath, job.Config.MaxSize)
	if err != nil {
		return err
	}
	slog.Info("Starting job", "job_id", r.id, "ref", job.Config.RefPath, "width", target.Width, "height", target.Height)

	optimizer, err := fit.NewShapeOptimizer(cfg)
	if err != nil {
		return err
	}

	initialCost, err := fit.RMSE(fit.MeanBuffer(target), target)
	if err != nil {
		return err
	}
	canvas := fit.Replay(target, job.Shapes, cfg.Alpha)
	bestCost, err := fit.RMSE(canvas, target)
	if err != nil {
		return err
	}

	r.jm.UpdateJob(r.id, func(j *Job) {
		j.InitialCost = initialCost
		j.BestCost = bestCost
		j.target = target
		j.canvas = canvas
	})

	trace := r.openTrace(job.Iterations > 0)
	if trace != nil {
		defer trace.Close()
	}

	r.start = time.Now()
	// The watcher must be gone before finish broadcasts the terminal event
	watchCtx, stopWatch := context.WithCancel(ctx)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		r.watch(watchCtx, time.Duration(job.Config.CheckpointInterval)*time.Second)
	}()
	defer func() {
		stopWatch()
		<-watched
	}()

	// A continued job offsets the seed so it does not redraw the same shapes
	rng := rand.New(rand.NewSource(cfg.Seed + int64(job.Iterations)))
	driver := fit.NewDriver(cfg, optimizer, rng)

	for frame, err := range driver.RunFrom(ctx, target, canvas, job.Iterations, cfg.ShapeCount-job.Iterations) {
		if err != nil {
			return err
		}

		r.jm.UpdateJob(r.id, func(j *Job) {
			j.Iterations = frame.Index + 1
			j.BestCost = frame.Score
			j.canvas = frame.Canvas
			if frame.Accepted {
				j.Shapes = append(j.Shapes, frame.Shape)
			}
		})

		if trace != nil {
			shape := frame.Shape
			entry := store.TraceEntry{
				Iteration: frame.Index,
				Cost:      frame.Score,
				Accepted:  frame.Accepted,
				Timestamp: time.Now(),
				Shape:     &shape,
			}
			if err := trace.Write(entry); err != nil {
				slog.Warn("Failed to write trace entry", "job_id", r.id, "error", err)
			}
		}
	}
	return nil
}

func (r *jobRun) openTrace(resume bool) *store.TraceWriter {
	if r.store == nil {
		return nil
	}
	trace, err := store.NewTraceWriter(r.store.TraceDir(), r.id, resume)
	if err != nil {
		slog.Warn("Tracing disabled", "job_id", r.id, "error", err)
		return nil
	}
	return trace
}

// watch broadcasts throttled progress and, when checkpointEvery > 0 and a
// store is set, saves periodic checkpoints until ctx ends.
func (r *jobRun) watch(ctx context.Context, checkpointEvery time.Duration) {
	progress := time.NewTicker(progressInterval)
	defer progress.Stop()

	var checkpoints <-chan time.Time
	if r.store != nil && checkpointEvery > 0 {
		t := time.NewTicker(checkpointEvery)
		defer t.Stop()
		checkpoints = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-progress.C:
			if job, ok := r.jm.GetJob(r.id); ok {
				r.jm.broadcaster.Broadcast(progressEvent(job, r.rps(job)))
			}
		case <-checkpoints:
			r.checkpoint()
		}
	}
}

// finish records the terminal state, saves a last checkpoint for completed
// and cancelled jobs, and broadcasts the final event.
func (r *jobRun) finish(state JobState, cause error) {
	end := time.Now()
	r.jm.UpdateJob(r.id, func(j *Job) {
		j.State = state
		j.EndTime = &end
		if cause != nil {
			j.Error = cause.Error()
		}
	})

	if state != StateFailed {
		r.checkpoint()
	}

	job, ok := r.jm.GetJob(r.id)
	if !ok {
		return
	}
	rps := r.rps(job)

	switch state {
	case StateFailed:
		slog.Error("Job failed", "job_id", r.id, "error", cause)
	default:
		slog.Info("Job finished",
			"job_id", r.id,
			"state", state,
			"rounds", job.Iterations,
			"accepted", len(job.Shapes),
			"initial_cost", job.InitialCost,
			"best_cost", job.BestCost,
			"rounds_per_second", rps,
		)
	}

	r.jm.broadcaster.Broadcast(progressEvent(job, rps))
}

func (r *jobRun) rps(job *Job) float64 {
	if r.start.IsZero() {
		return 0
	}
	return roundsPerSecond(job.Iterations-r.startRound, time.Since(r.start))
}

func roundsPerSecond(rounds int, elapsed time.Duration) float64 {
	if elapsed <= 0 || rounds <= 0 {
		return 0
	}
	return float64(rounds) / elapsed.Seconds()
}

// checkpoint saves the job's shapes plus best.png and diff.png. Errors are
// logged; a job never fails because of its checkpoint.
func (r *jobRun) checkpoint() {
	if r.store == nil {
		return
	}
	job, ok := r.jm.GetJob(r.id)
	if !ok || job.Iterations == 0 {
		return
	}

	cp := store.NewCheckpoint(r.id, job.Shapes, job.BestCost, job.InitialCost, job.Iterations, job.Config)
	if err := r.store.SaveCheckpoint(r.id, cp); err != nil {
		slog.Error("Failed to save checkpoint", "job_id", r.id, "error", err)
		return
	}
	slog.Info("Checkpoint saved", "job_id", r.id, "iteration", job.Iterations, "best_cost", job.BestCost)

	if err := saveArtifacts(r.store, job); err != nil {
		slog.Warn("Failed to save checkpoint artifacts", "job_id", r.id, "error", err)
	}
}

func saveArtifacts(st store.Store, job *Job) error {
	best, err := bestImage(job)
	if err != nil {
		return err
	}
	if err := st.SaveImage(job.ID, "best.png", best); err != nil {
		return err
	}

	diff, err := diffImage(job)
	if err != nil {
		return err
	}
	return st.SaveImage(job.ID, "diff.png", diff)
}
