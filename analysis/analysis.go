// Package analysis implements the posterior model: an ordered set of
// parameters with independent priors combined with a likelihood.
//
// Evaluation of the posterior is a pure function of a point. Workers
// running in parallel use their own copy obtained with Clone.
package analysis

import (
	"fmt"
	"math"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
)

// log is the global logging variable.
var log = logging.MustGetLogger("analysis")

var (
	// ErrOutOfRange is returned when a value is outside of a
	// parameter range.
	ErrOutOfRange = errors.New("value out of range")
	// ErrUnknownParameter is returned when a parameter is requested
	// by a name which does not exist.
	ErrUnknownParameter = errors.New("unknown parameter")
)

// EvaluationError is returned by a likelihood which cannot compute a
// value at a point.
type EvaluationError struct {
	Point  []float64
	Reason string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation failed at %v: %s", e.Point, e.Reason)
}

// IsEvaluationFailure checks whether err is caused by an evaluation
// failure.
func IsEvaluationFailure(err error) bool {
	_, ok := errors.Cause(err).(*EvaluationError)
	return ok
}

// Likelihood computes the log-likelihood at a point.
type Likelihood interface {
	LogLikelihood(point []float64) (float64, error)
}

// Cloner is implemented by likelihoods with internal state. Each clone
// of an analysis gets its own clone of such likelihood.
type Cloner interface {
	Clone() Likelihood
}

// Observer is implemented by likelihoods which can report dependent
// quantities at a point.
type Observer interface {
	Observables(point []float64) map[string]float64
}

// Evaluation is the result of the posterior evaluation.
type Evaluation struct {
	LogLikelihood float64
	LogPrior      float64
	LogPosterior  float64
	// Observables are the dependent quantities, nil if the
	// likelihood doesn't provide them.
	Observables map[string]float64
}

// Analysis is a posterior model.
type Analysis struct {
	parameters Parameters
	index      map[string]int
	likelihood Likelihood
}

// New creates a new analysis. Parameter names must be unique and
// values must be inside of the prior ranges.
func New(l Likelihood, parameters Parameters) (*Analysis, error) {
	if l == nil {
		return nil, errors.New("likelihood is required")
	}
	if len(parameters) == 0 {
		return nil, errors.New("no parameters")
	}
	a := &Analysis{
		parameters: make(Parameters, len(parameters)),
		index:      make(map[string]int, len(parameters)),
		likelihood: l,
	}
	copy(a.parameters, parameters)
	for i, p := range a.parameters {
		if p.Prior == nil {
			return nil, errors.Errorf("parameter %s has no prior", p.Name)
		}
		if _, ok := a.index[p.Name]; ok {
			return nil, errors.Errorf("duplicate parameter %s", p.Name)
		}
		if !p.InRange(p.Value) {
			return nil, errors.Wrapf(ErrOutOfRange, "parameter %s=%v", p.Name, p.Value)
		}
		a.index[p.Name] = i
	}
	return a, nil
}

// Dim returns the number of parameters.
func (a *Analysis) Dim() int {
	return len(a.parameters)
}

// Parameters returns a copy of the parameters.
func (a *Analysis) Parameters() Parameters {
	ps := make(Parameters, len(a.parameters))
	copy(ps, a.parameters)
	return ps
}

// Parameter returns a parameter by its index.
func (a *Analysis) Parameter(i int) Parameter {
	return a.parameters[i]
}

// Index returns the index of a parameter.
func (a *Analysis) Index(name string) (int, error) {
	i, ok := a.index[name]
	if !ok {
		return -1, errors.Wrap(ErrUnknownParameter, name)
	}
	return i, nil
}

// Values returns the current parameter values.
func (a *Analysis) Values() []float64 {
	v := make([]float64, len(a.parameters))
	for i, p := range a.parameters {
		v[i] = p.Value
	}
	return v
}

// SetValue sets the value of a parameter. Values out of range are
// rejected.
func (a *Analysis) SetValue(name string, v float64) error {
	i, err := a.Index(name)
	if err != nil {
		return err
	}
	if !a.parameters[i].InRange(v) {
		return errors.Wrapf(ErrOutOfRange, "parameter %s=%v", name, v)
	}
	a.parameters[i].Value = v
	return nil
}

// SetValues sets all the parameter values.
func (a *Analysis) SetValues(point []float64) error {
	if err := a.CheckRange(point); err != nil {
		return err
	}
	for i := range a.parameters {
		a.parameters[i].Value = point[i]
	}
	return nil
}

// CheckRange returns an error if the point dimension is incorrect or
// any of the coordinates is out of range.
func (a *Analysis) CheckRange(point []float64) error {
	if len(point) != len(a.parameters) {
		return errors.Errorf("point has %d coordinates, expected %d", len(point), len(a.parameters))
	}
	for i, p := range a.parameters {
		if !p.InRange(point[i]) {
			return errors.Wrapf(ErrOutOfRange, "parameter %s=%v", p.Name, point[i])
		}
	}
	return nil
}

// InRange checks that all the coordinates are within the ranges.
func (a *Analysis) InRange(point []float64) bool {
	for i, p := range a.parameters {
		if !p.InRange(point[i]) {
			return false
		}
	}
	return true
}

// LogPrior returns the sum of log-priors.
func (a *Analysis) LogPrior(point []float64) (float64, error) {
	if err := a.CheckRange(point); err != nil {
		return 0, err
	}
	s := 0.0
	for i, p := range a.parameters {
		s += p.Prior.LogDensity(point[i])
	}
	return s, nil
}

// LogLikelihood returns the log-likelihood.
func (a *Analysis) LogLikelihood(point []float64) (float64, error) {
	if err := a.CheckRange(point); err != nil {
		return 0, err
	}
	return a.likelihood.LogLikelihood(point)
}

// LogPosterior evaluates the unnormalized log-posterior. A non-finite
// likelihood value is reported as an evaluation failure.
func (a *Analysis) LogPosterior(point []float64) (Evaluation, error) {
	var e Evaluation
	var err error
	e.LogPrior, err = a.LogPrior(point)
	if err != nil {
		return e, err
	}
	e.LogLikelihood, err = a.likelihood.LogLikelihood(point)
	if err != nil {
		return e, err
	}
	if math.IsNaN(e.LogLikelihood) || math.IsInf(e.LogLikelihood, 1) {
		return e, &EvaluationError{Point: append([]float64(nil), point...), Reason: "non-finite likelihood"}
	}
	e.LogPosterior = e.LogLikelihood + e.LogPrior
	if o, ok := a.likelihood.(Observer); ok {
		e.Observables = o.Observables(point)
	}
	return e, nil
}

// Clone creates an independent copy of the analysis.
func (a *Analysis) Clone() *Analysis {
	c := &Analysis{
		parameters: a.Parameters(),
		index:      a.index,
		likelihood: a.likelihood,
	}
	if cl, ok := a.likelihood.(Cloner); ok {
		c.likelihood = cl.Clone()
	}
	return c
}

// Restrict truncates the range of a parameter to [min, max]. The
// current value is moved into the new range if needed.
func (a *Analysis) Restrict(name string, min, max float64) error {
	i, err := a.Index(name)
	if err != nil {
		return err
	}
	p := &a.parameters[i]
	prior, err := p.Prior.Restrict(min, max)
	if err != nil {
		return errors.Wrapf(err, "restricting %s", name)
	}
	p.Prior = prior
	if !p.InRange(p.Value) {
		p.Value = 0.5 * (min + max)
	}
	log.Debugf("Restricted %s to [%v, %v]", name, min, max)
	return nil
}

// Descriptions returns descriptions of all the parameters.
func (a *Analysis) Descriptions() []Description {
	ds := make([]Description, len(a.parameters))
	for i, p := range a.parameters {
		ds[i] = Description{
			Name:     p.Name,
			Min:      p.Min(),
			Max:      p.Max(),
			Nuisance: p.Nuisance,
			Prior:    p.Prior.String(),
		}
	}
	return ds
}

// SamplePrior transforms a point from the unit hypercube to the
// parameter space using the priors.
func (a *Analysis) SamplePrior(u []float64) []float64 {
	x := make([]float64, len(u))
	for i, p := range a.parameters {
		x[i] = p.Prior.Sample(u[i])
	}
	return x
}
