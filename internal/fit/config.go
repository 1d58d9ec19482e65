package fit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cwbudde/rectfit/internal/opt"
)

// ErrInvalidConfig is returned by Config.Validate
var ErrInvalidConfig = errors.New("invalid configuration")

// OptimizerKind identifies a ShapeOptimizer implementation.
type OptimizerKind string

const (
	OptimizerCompass OptimizerKind = "compass"
	OptimizerMayfly  OptimizerKind = "mayfly"
)

// NormalizeOptimizer maps arbitrary user input to a canonical optimizer identifier.
func NormalizeOptimizer(name string) OptimizerKind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "compass", "hill", "hillclimb":
		return OptimizerCompass
	case "mayfly", "mf":
		return OptimizerMayfly
	default:
		return OptimizerKind(name)
	}
}

// Config collects every knob of a fitting run
type Config struct {
	ShapeCount   int                     // rounds of the driver, one shape each
	Alpha        float64                 // blend weight of each rectangle in [0,1]
	Acceleration float64                 // step scaling factor of the compass search
	InitialSteps [ParamsPerShape]float64 // starting step per parameter
	RoundCap     int                     // per-shape search rounds (mayfly: iterations)
	Epsilon      float64                 // convergence threshold in absolute RMSE units
	Policy       opt.StopPolicy          // how Epsilon ends a shape search
	Workers      int                     // concurrent candidate evaluations per step
	Optimizer    OptimizerKind
	PopSize      int   // mayfly population size
	Seed         int64 // seeds shape placement and the mayfly population

	Convergence ConvergenceConfig // driver-level early stop, disabled by default
}

// DefaultConfig returns the settings used by the CLI when no flags are given
func DefaultConfig() Config {
	return Config{
		ShapeCount:   200,
		Alpha:        0.5,
		Acceleration: 1.2,
		InitialSteps: [ParamsPerShape]float64{10, 10, 10, 10, 10},
		RoundCap:     200,
		Epsilon:      0.01,
		Policy:       opt.StopOnStagnation,
		Workers:      1,
		Optimizer:    OptimizerCompass,
		PopSize:      20,
		Seed:         42,
		Convergence:  DisabledConvergenceConfig(),
	}
}

// Validate checks ranges; it does not fill in defaults
func (c Config) Validate() error {
	switch {
	case c.ShapeCount < 0:
		return fmt.Errorf("%w: shape count must be >= 0, got %d", ErrInvalidConfig, c.ShapeCount)
	case c.Alpha < 0 || c.Alpha > 1:
		return fmt.Errorf("%w: alpha must be in [0,1], got %v", ErrInvalidConfig, c.Alpha)
	case c.RoundCap < 1:
		return fmt.Errorf("%w: round cap must be >= 1, got %d", ErrInvalidConfig, c.RoundCap)
	}

	for i, s := range c.InitialSteps {
		if s <= 0 {
			return fmt.Errorf("%w: initial step %d must be > 0, got %v", ErrInvalidConfig, i, s)
		}
	}

	if c.Convergence.Enabled {
		if c.Convergence.Patience < 1 {
			return fmt.Errorf("%w: convergence patience must be >= 1, got %d", ErrInvalidConfig, c.Convergence.Patience)
		}
		if c.Convergence.Threshold < 0 {
			return fmt.Errorf("%w: convergence threshold must be >= 0, got %v", ErrInvalidConfig, c.Convergence.Threshold)
		}
	}

	switch NormalizeOptimizer(string(c.Optimizer)) {
	case OptimizerCompass:
		if err := c.compass().Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	case OptimizerMayfly:
		if c.PopSize < 20 {
			return fmt.Errorf("%w: mayfly population must be >= 20, got %d", ErrInvalidConfig, c.PopSize)
		}
	default:
		return fmt.Errorf("%w: unknown optimizer %q", ErrInvalidConfig, c.Optimizer)
	}

	return nil
}

func (c Config) compass() *opt.Compass {
	comp := opt.NewCompass(c.Acceleration, c.RoundCap, c.Epsilon)
	comp.Policy = c.Policy
	comp.Workers = c.Workers
	return comp
}

// NewShapeOptimizer constructs the optimizer selected by cfg.Optimizer
func NewShapeOptimizer(cfg Config) (ShapeOptimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch NormalizeOptimizer(string(cfg.Optimizer)) {
	case OptimizerMayfly:
		return NewMayflyOptimizer(cfg, cfg.PopSize), nil
	default:
		return NewCompassOptimizer(cfg), nil
	}
}
