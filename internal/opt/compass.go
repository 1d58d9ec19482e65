package opt

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
)

// StopPolicy selects how a compass run ends before the round cap
type StopPolicy string

const (
	// StopOnStagnation ends the run once a round improves the score by less than Epsilon
	StopOnStagnation StopPolicy = "stagnation"
	// StopOnLargeGain ends the run as soon as a round improves the score by more than Epsilon
	StopOnLargeGain StopPolicy = "large-gain"
)

// ErrInvalidCompass is returned by Compass.Validate
var ErrInvalidCompass = errors.New("invalid compass configuration")

// MaxStep bounds the magnitude of every step so int(step*m) cannot overflow
const MaxStep = 1 << 24

// Compass is an adaptive coordinate-wise compass search over integer parameters.
//
// Each parameter i is probed at params[i] + int(steps[i]*m) for every
// multiplier m in {-a, -1/a, 0, 1/a, a}. When the unperturbed point wins, the
// step shrinks by a; otherwise the parameter moves and the step is scaled by
// the winning multiplier (which reverses direction for negative m).
//
// A round whose gain is zero only counts as stagnation when no parameter moved
// on a tie. Tied moves cross a plateau with a growing step, so the search keeps
// going until it leaves the plateau or hits RoundCap.
type Compass struct {
	Acceleration float64    // a, must be > 1
	RoundCap     int        // maximum rounds per run, values < 1 run one round
	Epsilon      float64    // improvement threshold for Policy
	Policy       StopPolicy // termination rule checked after every round
	Workers      int        // > 1 evaluates the candidates of one step concurrently
}

// NewCompass returns a compass search with the given acceleration and round cap,
// stopping on stagnation below epsilon
func NewCompass(acceleration float64, roundCap int, epsilon float64) *Compass {
	return &Compass{
		Acceleration: acceleration,
		RoundCap:     roundCap,
		Epsilon:      epsilon,
		Policy:       StopOnStagnation,
		Workers:      1,
	}
}

// Validate checks the configuration
func (c *Compass) Validate() error {
	if !(c.Acceleration > 1) || math.IsInf(c.Acceleration, 0) {
		return fmt.Errorf("%w: acceleration must be > 1, got %v", ErrInvalidCompass, c.Acceleration)
	}
	if c.Epsilon < 0 || math.IsNaN(c.Epsilon) {
		return fmt.Errorf("%w: epsilon must be >= 0, got %v", ErrInvalidCompass, c.Epsilon)
	}
	switch c.Policy {
	case StopOnStagnation, StopOnLargeGain:
	default:
		return fmt.Errorf("%w: unknown stop policy %q", ErrInvalidCompass, c.Policy)
	}
	return nil
}

// Candidates returns the ordered multiplier set {-a, -1/a, 0, 1/a, a}
func (c *Compass) Candidates() []float64 {
	a := c.Acceleration
	return []float64{-a, -1 / a, 0, 1 / a, a}
}

// CompassState is the search position threaded through rounds.
// Round never modifies the state it receives.
type CompassState struct {
	Params []int
	Steps  []float64
}

// NewCompassState pairs a start point with per-parameter step sizes
func NewCompassState(params []int, steps []float64) CompassState {
	return CompassState{
		Params: append([]int(nil), params...),
		Steps:  append([]float64(nil), steps...),
	}
}

func (s CompassState) clone() CompassState {
	return NewCompassState(s.Params, s.Steps)
}

// CompassResult is the outcome of a full compass run
type CompassResult struct {
	State     CompassState
	Score     float64 // eval(State.Params)
	Rounds    int     // rounds executed, always >= 1
	Converged bool    // true when Policy stopped the run before RoundCap
}

// Round performs one sweep over all parameters in order and returns the new
// state with the scores before and after the sweep. Later parameters see the
// moves committed for earlier ones.
func (c *Compass) Round(eval IntObjective, in CompassState) (out CompassState, before, after float64) {
	out, before, after, _ = c.sweep(eval, in)
	return out, before, after
}

// sweep is Round that also reports whether any parameter moved although
// staying put scored the same
func (c *Compass) sweep(eval IntObjective, in CompassState) (out CompassState, before, after float64, tied bool) {
	out = in.clone()
	before = eval(out.Params)

	cands := c.Candidates()
	scores := make([]float64, len(cands))
	stay := slices.Index(cands, 0)

	for i := range out.Params {
		c.probe(eval, out, i, cands, scores)

		// Stable left-to-right scan: the first minimum wins
		best := 0
		for j := 1; j < len(scores); j++ {
			if scores[j] < scores[best] {
				best = j
			}
		}

		m := cands[best]
		if m == 0 {
			out.Steps[i] /= c.Acceleration
			continue
		}
		if scores[best] == scores[stay] {
			tied = true
		}
		out.Params[i] += int(out.Steps[i] * m)
		out.Steps[i] = clampStep(out.Steps[i] * m)
	}

	after = eval(out.Params)
	return out, before, after, tied
}

func clampStep(s float64) float64 {
	if math.Abs(s) > MaxStep {
		return math.Copysign(MaxStep, s)
	}
	return s
}

// probe scores every candidate perturbation of parameter i
func (c *Compass) probe(eval IntObjective, s CompassState, i int, cands, scores []float64) {
	if c.Workers <= 1 {
		for j, m := range cands {
			scores[j] = eval(perturb(s.Params, i, int(s.Steps[i]*m)))
		}
		return
	}

	sem := make(chan struct{}, c.Workers)
	var wg sync.WaitGroup
	for j, m := range cands {
		wg.Add(1)
		sem <- struct{}{}
		go func(j int, delta int) {
			defer wg.Done()
			defer func() { <-sem }()
			scores[j] = eval(perturb(s.Params, i, delta))
		}(j, int(s.Steps[i]*m))
	}
	wg.Wait()
}

// perturb returns a copy of params with params[i] shifted by delta
func perturb(params []int, i, delta int) []int {
	p := append([]int(nil), params...)
	p[i] += delta
	return p
}

// Run executes rounds until the stop policy fires or RoundCap is reached
func (c *Compass) Run(eval IntObjective, start CompassState) (CompassResult, error) {
	if err := c.Validate(); err != nil {
		return CompassResult{}, err
	}
	if len(start.Params) != len(start.Steps) {
		return CompassResult{}, fmt.Errorf("%w: %d params but %d steps", ErrInvalidCompass, len(start.Params), len(start.Steps))
	}

	roundCap := max(c.RoundCap, 1)
	state := start.clone()
	var after float64

	for round := 1; round <= roundCap; round++ {
		var before float64
		var tied bool
		state, before, after, tied = c.sweep(eval, state)
		gain := before - after

		slog.Debug("Compass round",
			"round", round,
			"before", before,
			"after", after,
			"gain", gain,
			"tied", tied,
		)

		if c.shouldStop(gain, tied) {
			return CompassResult{State: state, Score: after, Rounds: round, Converged: true}, nil
		}
	}

	return CompassResult{State: state, Score: after, Rounds: roundCap}, nil
}

func (c *Compass) shouldStop(gain float64, tied bool) bool {
	switch c.Policy {
	case StopOnLargeGain:
		return gain > c.Epsilon
	default:
		if tied && gain == 0 {
			return false
		}
		return gain < c.Epsilon
	}
}
