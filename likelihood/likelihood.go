// Package likelihood provides likelihoods built from Gaussian
// constraints and Gaussian mixtures.
package likelihood

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/bayesfit/bayesfit/analysis"
	"github.com/bayesfit/bayesfit/dist"
)

const lnSqrt2Pi = 0.9189385332046727

// Constraint is a Gaussian measurement of a single parameter.
type Constraint struct {
	// Name is the constraint name used for the observables.
	Name string
	// Parameter is the index of the constrained parameter.
	Parameter int
	Mean      float64
	Sigma     float64
}

// Gaussian is a product of independent Gaussian constraints.
type Gaussian struct {
	constraints []Constraint
}

// NewGaussian creates a likelihood from the constraints.
func NewGaussian(constraints ...Constraint) (*Gaussian, error) {
	for _, c := range constraints {
		if c.Sigma <= 0 {
			return nil, errors.Errorf("constraint %s: sigma must be positive", c.Name)
		}
		if c.Parameter < 0 {
			return nil, errors.Errorf("constraint %s: incorrect parameter index", c.Name)
		}
	}
	return &Gaussian{constraints: constraints}, nil
}

func (g *Gaussian) LogLikelihood(point []float64) (float64, error) {
	s := 0.0
	for _, c := range g.constraints {
		if c.Parameter >= len(point) {
			return 0, errors.Errorf("constraint %s refers to parameter %d", c.Name, c.Parameter)
		}
		z := (point[c.Parameter] - c.Mean) / c.Sigma
		s += -0.5*z*z - math.Log(c.Sigma) - lnSqrt2Pi
	}
	return s, nil
}

// Observables returns the pull of every constraint.
func (g *Gaussian) Observables(point []float64) map[string]float64 {
	o := make(map[string]float64, len(g.constraints))
	for i, c := range g.constraints {
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("constraint%d", i)
		}
		o["pull:"+name] = (point[c.Parameter] - c.Mean) / c.Sigma
	}
	return o
}

// Mode is a single component of a mixture likelihood with a diagonal
// covariance.
type Mode struct {
	Weight float64
	Mean   []float64
	Sigma  []float64
}

// Mixture is a weighted sum of Gaussians. Its integral over the whole
// space is the sum of the weights.
type Mixture struct {
	modes []Mode
}

// NewMixture creates a mixture likelihood.
func NewMixture(modes ...Mode) (*Mixture, error) {
	if len(modes) == 0 {
		return nil, errors.New("mixture requires at least one mode")
	}
	d := len(modes[0].Mean)
	for i, m := range modes {
		if len(m.Mean) != d || len(m.Sigma) != d {
			return nil, errors.Errorf("mode %d: dimension mismatch", i)
		}
		if m.Weight <= 0 {
			return nil, errors.Errorf("mode %d: weight must be positive", i)
		}
		for _, s := range m.Sigma {
			if s <= 0 {
				return nil, errors.Errorf("mode %d: sigma must be positive", i)
			}
		}
	}
	return &Mixture{modes: modes}, nil
}

func (m *Mixture) LogLikelihood(point []float64) (float64, error) {
	if len(point) != len(m.modes[0].Mean) {
		return 0, errors.Errorf("point has %d coordinates, expected %d", len(point), len(m.modes[0].Mean))
	}
	terms := make([]float64, len(m.modes))
	for k, mode := range m.modes {
		t := math.Log(mode.Weight)
		for i, x := range point {
			z := (x - mode.Mean[i]) / mode.Sigma[i]
			t += -0.5*z*z - math.Log(mode.Sigma[i]) - lnSqrt2Pi
		}
		terms[k] = t
	}
	return dist.LogSumExp(terms), nil
}

// Integral returns the integral of the likelihood over the whole
// space.
func (m *Mixture) Integral() float64 {
	s := 0.0
	for _, mode := range m.modes {
		s += mode.Weight
	}
	return s
}

// Region restricts a likelihood to a validity region. Outside of it
// the evaluation fails.
type Region struct {
	analysis.Likelihood
	Min, Max []float64
}

func (r *Region) LogLikelihood(point []float64) (float64, error) {
	for i, x := range point {
		if x < r.Min[i] || x > r.Max[i] {
			return 0, &analysis.EvaluationError{
				Point:  append([]float64(nil), point...),
				Reason: fmt.Sprintf("coordinate %d outside of the validity region", i),
			}
		}
	}
	return r.Likelihood.LogLikelihood(point)
}

// Product multiplies likelihoods, the log-likelihoods are summed.
type Product []analysis.Likelihood

func (p Product) LogLikelihood(point []float64) (float64, error) {
	s := 0.0
	for _, l := range p {
		v, err := l.LogLikelihood(point)
		if err != nil {
			return 0, err
		}
		s += v
	}
	return s, nil
}

// Observables merges the observables of all the factors.
func (p Product) Observables(point []float64) map[string]float64 {
	var o map[string]float64
	for _, l := range p {
		obs, ok := l.(analysis.Observer)
		if !ok {
			continue
		}
		if o == nil {
			o = make(map[string]float64)
		}
		for k, v := range obs.Observables(point) {
			o[k] = v
		}
	}
	return o
}
