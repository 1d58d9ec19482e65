package store

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarize_Empty(t *testing.T) {
	sum := Summarize(12, nil)

	assert.Equal(t, 0, sum.Rounds)
	assert.Equal(t, 12.0, sum.FirstCost)
	assert.Equal(t, 12.0, sum.FinalCost)
	assert.Zero(t, sum.AcceptRate)
}

func TestSummarize_Gains(t *testing.T) {
	entries := []TraceEntry{
		{Iteration: 0, Cost: 8, Accepted: true}, // gain 2
		{Iteration: 1, Cost: 8},                 // rejected
		{Iteration: 2, Cost: 4, Accepted: true}, // gain 4
		{Iteration: 3, Cost: 4},                 // rejected
	}

	sum := Summarize(10, entries)

	assert.Equal(t, 4, sum.Rounds)
	assert.Equal(t, 2, sum.Accepted)
	assert.Equal(t, 0.5, sum.AcceptRate)
	assert.Equal(t, 4.0, sum.FinalCost)
	assert.Equal(t, 4.0, sum.MaxGain)
	assert.InDelta(t, 3.0, sum.MeanGain, 1e-12)
	// Sample standard deviation of {2, 4}
	assert.InDelta(t, math.Sqrt2, sum.StdGain, 1e-12)
}

func TestSummarize_SingleAccepted(t *testing.T) {
	sum := Summarize(5, []TraceEntry{{Cost: 3.5, Accepted: true}})

	assert.Equal(t, 1.5, sum.MeanGain)
	assert.Equal(t, 1.5, sum.MaxGain)
	assert.Zero(t, sum.StdGain)
}

func TestSummarize_NoneAccepted(t *testing.T) {
	sum := Summarize(5, []TraceEntry{{Cost: 5}, {Cost: 5}})

	assert.Equal(t, 0, sum.Accepted)
	assert.Zero(t, sum.MaxGain)
	assert.Equal(t, 5.0, sum.FinalCost)
}
