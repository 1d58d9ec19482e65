package opt

// Optimizer defines a bounded continuous optimization algorithm
type Optimizer interface {
	// Run executes the optimization
	// eval: objective function to minimize
	// lower, upper: parameter bounds
	// dim: dimensionality of parameter space
	// Returns: best parameters and best cost
	Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64)
}

// IntObjective is an objective over integer parameter vectors, as searched by Compass
type IntObjective func([]int) float64
