package fit

import (
	"log/slog"
	"math"
)

// ConvergenceConfig controls when the driver stops placing shapes early
type ConvergenceConfig struct {
	// Enabled controls whether convergence detection is active
	Enabled bool

	// Patience is the number of consecutive shapes without significant improvement before stopping
	Patience int

	// Threshold is the minimum relative RMSE improvement that counts as progress.
	// Relative improvement = (lastSignificant - score) / lastSignificant
	Threshold float64
}

// DefaultConvergenceConfig stops after 10 shapes that each improve less than 0.1%
func DefaultConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{
		Enabled:   true,
		Patience:  10,
		Threshold: 0.001,
	}
}

// DisabledConvergenceConfig never reports convergence; the driver runs every round
func DisabledConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{Enabled: false}
}

// ConvergenceTracker records the canvas score after each shape round
type ConvergenceTracker struct {
	config          ConvergenceConfig
	updates         int
	bestScore       float64
	lastSignificant float64
	staleCount      int
}

// NewConvergenceTracker creates a tracker with the given config
func NewConvergenceTracker(config ConvergenceConfig) *ConvergenceTracker {
	t := &ConvergenceTracker{config: config}
	t.Reset()
	return t
}

// Update records a score and reports whether patience has run out
func (c *ConvergenceTracker) Update(score float64) bool {
	if !c.config.Enabled {
		return false
	}

	c.updates++
	c.bestScore = math.Min(c.bestScore, score)

	if c.updates == 1 {
		c.lastSignificant = score
		return false
	}

	// A perfect canvas cannot improve further
	if c.lastSignificant == 0 {
		c.staleCount++
		return c.staleCount >= c.config.Patience
	}

	rel := (c.lastSignificant - score) / c.lastSignificant
	if rel >= c.config.Threshold {
		c.lastSignificant = score
		c.staleCount = 0
		return false
	}

	c.staleCount++
	slog.Debug("No significant score improvement",
		"score", score,
		"last_significant", c.lastSignificant,
		"relative_improvement", rel,
		"stale_count", c.staleCount,
		"patience", c.config.Patience,
	)

	return c.staleCount >= c.config.Patience
}

// BestScore returns the best score seen so far
func (c *ConvergenceTracker) BestScore() float64 {
	return c.bestScore
}

// StaleCount returns the number of rounds since the last significant improvement
func (c *ConvergenceTracker) StaleCount() int {
	return c.staleCount
}

// Reset clears the tracker's state
func (c *ConvergenceTracker) Reset() {
	c.updates = 0
	c.bestScore = math.Inf(1)
	c.lastSignificant = math.Inf(1)
	c.staleCount = 0
}
