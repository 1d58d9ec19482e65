package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cwbudde/rectfit/internal/fit"
	"github.com/cwbudde/rectfit/internal/opt"
)

// JobConfig holds configuration for a fitting job.
// It is shared by the server API, checkpoints, and the CLI.
type JobConfig struct {
	RefPath            string    `json:"refPath"`
	Optimizer          string    `json:"optimizer"` // compass, mayfly
	Shapes             int       `json:"shapes"`
	Alpha              float64   `json:"alpha"`
	Rounds             int       `json:"rounds"`
	Epsilon            float64   `json:"epsilon"`
	Policy             string    `json:"policy"` // stagnation, large-gain
	Acceleration       float64   `json:"acceleration"`
	Step               float64   `json:"step"`
	Steps              []float64 `json:"steps,omitempty"` // per-parameter steps (x1, y1, x2, y2, color); overrides Step
	Workers            int       `json:"workers,omitempty"`
	PopSize            int       `json:"popSize,omitempty"`
	Seed               int64     `json:"seed"`
	MaxSize            int       `json:"maxSize,omitempty"`            // downscale reference so its longer side fits (0 = keep)
	CheckpointInterval int       `json:"checkpointInterval,omitempty"` // Checkpoint every N seconds (0 = disabled)

	// Patience > 0 stops the job after that many rounds without a relative
	// RMSE improvement of at least ConvergenceThreshold
	Patience             int     `json:"patience,omitempty"`
	ConvergenceThreshold float64 `json:"convergenceThreshold,omitempty"` // 0 = fit.DefaultConvergenceConfig
}

// UnmarshalJSON starts from DefaultJobConfig, so absent keys take their
// defaults while explicit values, including a zero alpha or epsilon, are kept.
func (c *JobConfig) UnmarshalJSON(data []byte) error {
	type plain JobConfig
	cfg := plain(DefaultJobConfig())
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}
	*c = JobConfig(cfg)
	return nil
}

// DefaultJobConfig mirrors fit.DefaultConfig
func DefaultJobConfig() JobConfig {
	d := fit.DefaultConfig()
	return JobConfig{
		Optimizer:    string(d.Optimizer),
		Shapes:       d.ShapeCount,
		Alpha:        d.Alpha,
		Rounds:       d.RoundCap,
		Epsilon:      d.Epsilon,
		Policy:       string(d.Policy),
		Acceleration: d.Acceleration,
		Step:         d.InitialSteps[0],
		Workers:      d.Workers,
		PopSize:      d.PopSize,
		Seed:         d.Seed,
	}
}

// WithDefaults fills zero-valued fields from DefaultJobConfig.
// A zero Alpha or Epsilon counts as unset; JSON input keeps explicit zeros
// through UnmarshalJSON instead.
func (c JobConfig) WithDefaults() JobConfig {
	d := DefaultJobConfig()
	if c.Optimizer == "" {
		c.Optimizer = d.Optimizer
	}
	if c.Shapes <= 0 {
		c.Shapes = d.Shapes
	}
	if c.Alpha <= 0 {
		c.Alpha = d.Alpha
	}
	if c.Rounds <= 0 {
		c.Rounds = d.Rounds
	}
	if c.Epsilon <= 0 {
		c.Epsilon = d.Epsilon
	}
	if c.Policy == "" {
		c.Policy = d.Policy
	}
	if c.Acceleration <= 0 {
		c.Acceleration = d.Acceleration
	}
	if c.Step <= 0 {
		c.Step = d.Step
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.PopSize <= 0 {
		c.PopSize = d.PopSize
	}
	return c
}

// FitConfig converts the job configuration into the fitting engine's config
func (c JobConfig) FitConfig() fit.Config {
	cfg := fit.DefaultConfig()
	cfg.ShapeCount = c.Shapes
	cfg.Alpha = c.Alpha
	cfg.RoundCap = c.Rounds
	cfg.Epsilon = c.Epsilon
	cfg.Policy = opt.StopPolicy(c.Policy)
	cfg.Acceleration = c.Acceleration
	if len(c.Steps) == fit.ParamsPerShape {
		copy(cfg.InitialSteps[:], c.Steps)
	} else {
		for i := range cfg.InitialSteps {
			cfg.InitialSteps[i] = c.Step
		}
	}
	cfg.Workers = c.Workers
	cfg.Optimizer = fit.NormalizeOptimizer(c.Optimizer)
	cfg.PopSize = c.PopSize
	cfg.Seed = c.Seed
	if c.Patience > 0 {
		conv := fit.DefaultConvergenceConfig()
		conv.Patience = c.Patience
		if c.ConvergenceThreshold > 0 {
			conv.Threshold = c.ConvergenceThreshold
		}
		cfg.Convergence = conv
	}
	return cfg
}

// Validate checks the job-level fields and then the derived fit.Config
func (c JobConfig) Validate() error {
	if n := len(c.Steps); n != 0 && n != fit.ParamsPerShape {
		return fmt.Errorf("%w: steps needs %d values, got %d", fit.ErrInvalidConfig, fit.ParamsPerShape, n)
	}
	if c.Patience < 0 {
		return fmt.Errorf("%w: patience must be >= 0, got %d", fit.ErrInvalidConfig, c.Patience)
	}
	if c.ConvergenceThreshold < 0 {
		return fmt.Errorf("%w: convergence threshold must be >= 0, got %v", fit.ErrInvalidConfig, c.ConvergenceThreshold)
	}
	return c.FitConfig().Validate()
}

// Checkpoint is the saved state of a fitting job.
//
// Only accepted shapes are stored. The canvas is rebuilt on resume by
// replaying them onto the mean-intensity background with the same alpha, so a
// checkpoint is exact and independent of the optimizer that produced it. The
// random stream is not saved: a resumed job continues with a fresh stream
// derived from the seed and the round index.
type Checkpoint struct {
	// JobID is the unique identifier for this fitting job
	JobID string `json:"jobId"`

	// Shapes are the accepted rectangles in drawing order
	Shapes []fit.Shape `json:"shapes"`

	// BestCost is the RMSE of the replayed canvas
	BestCost float64 `json:"bestCost"`

	// InitialCost is the RMSE of the flat mean canvas
	InitialCost float64 `json:"initialCost"`

	// Iteration is the number of driver rounds completed, accepted or not
	Iteration int `json:"iteration"`

	// Timestamp records when this checkpoint was created
	Timestamp time.Time `json:"timestamp"`

	// Config is needed to validate a resume request
	Config JobConfig `json:"config"`
}

// CheckpointInfo contains metadata about a checkpoint without the shape list.
type CheckpointInfo struct {
	JobID     string    `json:"jobId"`
	BestCost  float64   `json:"bestCost"`
	Iteration int       `json:"iteration"`
	Accepted  int       `json:"accepted"`
	Timestamp time.Time `json:"timestamp"`
	Optimizer string    `json:"optimizer"`
	Shapes    int       `json:"shapes"`
	RefPath   string    `json:"refPath"`
}

// NewCheckpoint creates a checkpoint from job state.
// The shape slice is copied.
func NewCheckpoint(jobID string, shapes []fit.Shape, bestCost, initialCost float64, iteration int, config JobConfig) *Checkpoint {
	return &Checkpoint{
		JobID:       jobID,
		Shapes:      append([]fit.Shape{}, shapes...),
		BestCost:    bestCost,
		InitialCost: initialCost,
		Iteration:   iteration,
		Timestamp:   time.Now(),
		Config:      config,
	}
}

// ToInfo converts a full Checkpoint to CheckpointInfo (metadata only).
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		JobID:     c.JobID,
		BestCost:  c.BestCost,
		Iteration: c.Iteration,
		Accepted:  len(c.Shapes),
		Timestamp: c.Timestamp,
		Optimizer: c.Config.Optimizer,
		Shapes:    c.Config.Shapes,
		RefPath:   c.Config.RefPath,
	}
}

// Validate checks if the checkpoint has valid data.
func (c *Checkpoint) Validate() error {
	switch {
	case c.JobID == "":
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	case c.Shapes == nil:
		return &ValidationError{Field: "Shapes", Reason: "cannot be nil"}
	case len(c.Shapes) > c.Iteration:
		return &ValidationError{
			Field:  "Shapes",
			Reason: fmt.Sprintf("%d accepted shapes exceed %d rounds", len(c.Shapes), c.Iteration),
		}
	case c.BestCost < 0:
		return &ValidationError{Field: "BestCost", Reason: "cannot be negative"}
	case c.InitialCost < 0:
		return &ValidationError{Field: "InitialCost", Reason: "cannot be negative"}
	case c.BestCost > c.InitialCost:
		return &ValidationError{Field: "BestCost", Reason: "cannot exceed InitialCost"}
	case c.Iteration < 0:
		return &ValidationError{Field: "Iteration", Reason: "cannot be negative"}
	case c.Timestamp.IsZero():
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	case c.Config.RefPath == "":
		return &ValidationError{Field: "Config.RefPath", Reason: "cannot be empty"}
	case c.Config.Shapes <= 0:
		return &ValidationError{Field: "Config.Shapes", Reason: "must be positive"}
	case c.Config.Rounds <= 0:
		return &ValidationError{Field: "Config.Rounds", Reason: "must be positive"}
	case c.Config.Alpha < 0 || c.Config.Alpha > 1:
		return &ValidationError{Field: "Config.Alpha", Reason: "must be in [0,1]"}
	}
	return nil
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks if this checkpoint can be resumed with the given config.
// Shapes only replay onto the same reference at the same size and blend weight.
func (c *Checkpoint) IsCompatible(config JobConfig) error {
	if c.Config.RefPath != config.RefPath {
		return &CompatibilityError{Field: "RefPath", Expected: c.Config.RefPath, Actual: config.RefPath}
	}
	if c.Config.MaxSize != config.MaxSize {
		return &CompatibilityError{
			Field:    "MaxSize",
			Expected: fmt.Sprintf("%d", c.Config.MaxSize),
			Actual:   fmt.Sprintf("%d", config.MaxSize),
		}
	}
	if c.Config.Alpha != config.Alpha {
		return &CompatibilityError{
			Field:    "Alpha",
			Expected: fmt.Sprintf("%g", c.Config.Alpha),
			Actual:   fmt.Sprintf("%g", config.Alpha),
		}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
