package mcmc

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/bayesfit/bayesfit/dist"
)

const (
	// ScaleMin and ScaleMax bound the covariance scale factor.
	ScaleMin = 1e-4
	ScaleMax = 100
	// ScaleUpdateFactor is the multiplier of the scale on every
	// adaptation outside of the efficiency window.
	ScaleUpdateFactor = 1.5
	// DefaultCoolingPower is the default exponent of the covariance
	// update weight.
	DefaultCoolingPower = 0.5
)

// Multivariate is a random walk proposal with a multivariate normal
// (Dof <= 0) or Student-t step. The proposal covariance is the scale
// factor times the estimate of the chain covariance.
type Multivariate struct {
	mv     *dist.MV
	// sample is the running estimate of the chain covariance
	sample *mat.SymDense

	// Scale multiplies the sample covariance.
	Scale        float64
	// CoolingPower controls the weight of new estimates,
	// w = 1/(n+1)^CoolingPower after n adaptations.
	CoolingPower float64
	// Adaptations is the number of adaptations performed.
	Adaptations  int
}

// NewGaussian creates a Gaussian random walk proposal. If
// automaticScaling is set the covariance is treated as an estimate of
// the chain covariance and is multiplied by 2.38^2/d.
func NewGaussian(cov mat.Symmetric, automaticScaling bool) (*Multivariate, error) {
	return newMultivariate(cov, 0, automaticScaling)
}

// NewStudentT creates a Student-t random walk proposal.
func NewStudentT(cov mat.Symmetric, dof float64, automaticScaling bool) (*Multivariate, error) {
	if dof <= 0 {
		return nil, errors.Errorf("degrees of freedom must be positive, got %v", dof)
	}
	return newMultivariate(cov, dof, automaticScaling)
}

func newMultivariate(cov mat.Symmetric, dof float64, automaticScaling bool) (*Multivariate, error) {
	d := cov.SymmetricDim()
	for i := 0; i < d; i++ {
		if cov.At(i, i) <= 0 {
			return nil, errors.Errorf("diagonal covariance elements must be positive, got %v at %d", cov.At(i, i), i)
		}
	}
	m := &Multivariate{
		sample:       mat.NewSymDense(d, nil),
		Scale:        1,
		CoolingPower: DefaultCoolingPower,
	}
	if automaticScaling {
		m.Scale = 2.38 * 2.38 / float64(d)
	}
	m.sample.CopySym(cov)
	eff := mat.NewSymDense(d, nil)
	eff.ScaleSym(m.Scale, cov)
	mv, err := dist.NewMV(make([]float64, d), eff, dof)
	if err != nil {
		return nil, errors.Wrap(err, "proposal covariance")
	}
	m.mv = mv
	return m, nil
}

func (m *Multivariate) Dim() int {
	return m.mv.Dim()
}

// Dof returns the degrees of freedom, zero for a Gaussian proposal.
func (m *Multivariate) Dof() float64 {
	return math.Max(m.mv.Dof, 0)
}

// Covariance returns the proposal covariance.
func (m *Multivariate) Covariance() *mat.SymDense {
	return m.mv.Covariance()
}

func (m *Multivariate) Propose(r *rand.Rand, current, dst []float64) []float64 {
	return m.mv.DrawAt(r, current, 1, dst)
}

func (m *Multivariate) Evaluate(x, y []float64) float64 {
	return m.mv.LogDensityAt(x, y)
}

// Adapt estimates the chain covariance from the states, mixes it with
// the previous estimate and changes the scale if the efficiency is
// outside of [minEfficiency, maxEfficiency]. If the resulting matrix
// is not positive-definite the proposal is left unchanged.
func (m *Multivariate) Adapt(h History, efficiency, minEfficiency, maxEfficiency float64) {
	d := m.Dim()
	if len(h) < 2 {
		log.Warningf("Cannot estimate covariance from %d states", len(h))
		return
	}
	data := make([]float64, 0, len(h)*d)
	for _, s := range h {
		data = append(data, s.Point...)
	}
	var current mat.SymDense
	stat.CovarianceMatrix(&current, mat.NewDense(len(h), d, data), nil)

	adaptations := m.Adaptations + 1
	w := 1 / math.Pow(float64(adaptations+1), m.CoolingPower)
	sample := mat.NewSymDense(d, nil)
	sample.ScaleSym(1-w, m.sample)
	current.ScaleSym(w, &current)
	sample.AddSym(sample, &current)

	scale := m.Scale
	switch {
	case efficiency > maxEfficiency && scale < ScaleMax:
		scale *= ScaleUpdateFactor
	case efficiency < minEfficiency && scale > ScaleMin:
		scale /= ScaleUpdateFactor
	}
	if scale != m.Scale {
		log.Infof("Change scale from %v to %v (efficiency %.3f)", m.Scale, scale, efficiency)
	}

	eff := mat.NewSymDense(d, nil)
	eff.ScaleSym(scale, sample)
	if err := m.mv.SetCovariance(eff); err != nil {
		log.Warningf("Adaptation skipped, keeping previous covariance: %v", err)
		return
	}
	m.sample = sample
	m.Scale = scale
	m.Adaptations = adaptations
}

// Rescale multiplies the proposal covariance by f.
func (m *Multivariate) Rescale(f float64) error {
	eff := m.mv.Covariance()
	eff.ScaleSym(f, eff)
	if err := m.mv.SetCovariance(eff); err != nil {
		return err
	}
	m.Scale *= f
	return nil
}

func (m *Multivariate) Clone() Proposal {
	return m.clone()
}

func (m *Multivariate) clone() *Multivariate {
	c := *m
	c.mv = m.mv.Clone()
	c.sample = mat.NewSymDense(m.Dim(), nil)
	c.sample.CopySym(m.sample)
	return &c
}

// MultivariateSnapshot is the persistent state of a multivariate
// proposal.
type MultivariateSnapshot struct {
	Dof              float64   `json:"dof"`
	Covariance       []float64 `json:"covariance"`
	SampleCovariance []float64 `json:"sampleCovariance"`
	Scale            float64   `json:"scale"`
	CoolingPower     float64   `json:"coolingPower"`
	Adaptations      int       `json:"adaptations"`
}

// Snapshot returns the persistent state.
func (m *Multivariate) Snapshot() MultivariateSnapshot {
	return MultivariateSnapshot{
		Dof:              m.Dof(),
		Covariance:       symData(m.mv.Covariance()),
		SampleCovariance: symData(m.sample),
		Scale:            m.Scale,
		CoolingPower:     m.CoolingPower,
		Adaptations:      m.Adaptations,
	}
}

// RestoreMultivariate creates a proposal from a snapshot.
func RestoreMultivariate(s MultivariateSnapshot) (*Multivariate, error) {
	d := int(math.Round(math.Sqrt(float64(len(s.Covariance)))))
	if d*d != len(s.Covariance) || len(s.SampleCovariance) != len(s.Covariance) {
		return nil, errors.Wrap(ErrDimension, "covariance in proposal snapshot")
	}
	mv, err := dist.NewMV(make([]float64, d), mat.NewSymDense(d, append([]float64(nil), s.Covariance...)), s.Dof)
	if err != nil {
		return nil, err
	}
	return &Multivariate{
		mv:           mv,
		sample:       mat.NewSymDense(d, append([]float64(nil), s.SampleCovariance...)),
		Scale:        s.Scale,
		CoolingPower: s.CoolingPower,
		Adaptations:  s.Adaptations,
	}, nil
}

// symData returns a row-major copy of a symmetric matrix.
func symData(s mat.Symmetric) []float64 {
	d := s.SymmetricDim()
	data := make([]float64, d*d)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			data[i*d+j] = s.At(i, j)
		}
	}
	return data
}
