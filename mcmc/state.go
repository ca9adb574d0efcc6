package mcmc

import (
	"math"

	"github.com/bayesfit/bayesfit/analysis"
)

// State is a point of a chain together with the posterior evaluation.
// States stored in a history are never modified.
type State struct {
	Point         []float64 `json:"point"`
	LogLikelihood float64   `json:"logLikelihood"`
	LogPrior      float64   `json:"logPrior"`
	LogPosterior  float64   `json:"logPosterior"`
}

// newState creates a state from an evaluation. The point is copied.
func newState(point []float64, e analysis.Evaluation) State {
	return State{
		Point:         append([]float64(nil), point...),
		LogLikelihood: e.LogLikelihood,
		LogPrior:      e.LogPrior,
		LogPosterior:  e.LogPosterior,
	}
}

// Row returns the state as a table row: point, log-likelihood,
// log-prior and log-posterior.
func (s State) Row() []float64 {
	r := make([]float64, 0, len(s.Point)+3)
	r = append(r, s.Point...)
	return append(r, s.LogLikelihood, s.LogPrior, s.LogPosterior)
}

// StateFromRow is the inverse of State.Row.
func StateFromRow(r []float64) State {
	d := len(r) - 3
	return State{
		Point:         append([]float64(nil), r[:d]...),
		LogLikelihood: r[d],
		LogPrior:      r[d+1],
		LogPosterior:  r[d+2],
	}
}

// History is a time-ordered sequence of states.
type History []State

// Skip returns the history without the initial fraction of states.
func (h History) Skip(fraction float64) History {
	n := int(math.Floor(fraction * float64(len(h))))
	return h[n:]
}

// Points returns the points of the history.
func (h History) Points() [][]float64 {
	p := make([][]float64, len(h))
	for i, s := range h {
		p[i] = s.Point
	}
	return p
}

// MeanAndVariance returns the mean and the unbiased variance of every
// coordinate, skipping the initial fraction of states.
func (h History) MeanAndVariance(skip float64) (mean, variance []float64) {
	h = h.Skip(skip)
	if len(h) == 0 {
		return nil, nil
	}
	var st Stats
	for _, s := range h {
		st.add(s)
	}
	return st.Mean, st.Variance()
}

// LocalMode returns the state with the highest posterior.
func (h History) LocalMode() State {
	best := 0
	for i, s := range h {
		if s.LogPosterior > h[best].LogPosterior {
			best = i
		}
	}
	return h[best]
}
