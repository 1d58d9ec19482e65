package store

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// TraceSummary aggregates a job's trace
type TraceSummary struct {
	Rounds     int     `json:"rounds"`
	Accepted   int     `json:"accepted"`
	AcceptRate float64 `json:"acceptRate"`
	FirstCost  float64 `json:"firstCost"`
	FinalCost  float64 `json:"finalCost"`

	// Gain statistics over accepted rounds, where gain is the RMSE drop
	// relative to the previous round
	MeanGain float64 `json:"meanGain"`
	StdGain  float64 `json:"stdGain"`
	MaxGain  float64 `json:"maxGain"`
}

// Summarize computes per-round statistics. initialCost is the canvas RMSE
// before the first traced round.
func Summarize(initialCost float64, entries []TraceEntry) TraceSummary {
	sum := TraceSummary{
		Rounds:    len(entries),
		FirstCost: initialCost,
		FinalCost: initialCost,
	}
	if len(entries) == 0 {
		return sum
	}

	gains := make([]float64, 0, len(entries))
	prev := initialCost
	for _, e := range entries {
		if e.Accepted {
			sum.Accepted++
			gains = append(gains, prev-e.Cost)
		}
		prev = e.Cost
	}

	sum.FinalCost = entries[len(entries)-1].Cost
	sum.AcceptRate = float64(sum.Accepted) / float64(sum.Rounds)

	if len(gains) > 0 {
		sum.MaxGain = floats.Max(gains)
		if len(gains) > 1 {
			sum.MeanGain, sum.StdGain = stat.MeanStdDev(gains, nil)
		} else {
			sum.MeanGain = gains[0]
		}
	}

	return sum
}
