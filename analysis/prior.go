package analysis

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/bayesfit/bayesfit/dist"
)

// Prior is a one-dimensional prior distribution. A prior owns the
// authoritative range of its parameter.
type Prior interface {
	// LogDensity returns the normalized log-density, -Inf outside
	// of the range.
	LogDensity(x float64) float64
	// Range returns the support of the prior.
	Range() (min, max float64)
	// Variance returns the variance of the prior.
	Variance() float64
	// IsFlat returns true if the density is constant over the
	// range.
	IsFlat() bool
	// Sample transforms u from (0, 1) to a value distributed
	// according to the prior.
	Sample(u float64) float64
	// Restrict returns the prior truncated to [min, max].
	Restrict(min, max float64) (Prior, error)
	String() string
}

func checkRange(min, max float64) error {
	if !(min < max) || math.IsInf(min, 0) || math.IsInf(max, 0) {
		return errors.Wrapf(ErrOutOfRange, "invalid prior range [%v, %v]", min, max)
	}
	return nil
}

// restrictRange checks that [min, max] is a sub-range of [omin, omax].
func restrictRange(omin, omax, min, max float64) error {
	if err := checkRange(min, max); err != nil {
		return err
	}
	if min < omin || max > omax {
		return errors.Wrapf(ErrOutOfRange, "[%v, %v] is outside of [%v, %v]", min, max, omin, omax)
	}
	return nil
}

// Flat is a uniform prior.
type Flat struct {
	min, max float64
}

// NewFlat creates a uniform prior on [min, max].
func NewFlat(min, max float64) (*Flat, error) {
	if err := checkRange(min, max); err != nil {
		return nil, err
	}
	return &Flat{min, max}, nil
}

func (p *Flat) LogDensity(x float64) float64 {
	if x < p.min || x > p.max {
		return math.Inf(-1)
	}
	return -math.Log(p.max - p.min)
}

func (p *Flat) Range() (float64, float64) { return p.min, p.max }

func (p *Flat) Variance() float64 {
	return (p.max - p.min) * (p.max - p.min) / 12
}

func (p *Flat) IsFlat() bool { return true }

func (p *Flat) Sample(u float64) float64 {
	return p.min + u*(p.max-p.min)
}

func (p *Flat) Restrict(min, max float64) (Prior, error) {
	if err := restrictRange(p.min, p.max, min, max); err != nil {
		return nil, err
	}
	return &Flat{min, max}, nil
}

func (p *Flat) String() string {
	return fmt.Sprintf("Parameter: flat, range = [%v, %v]", p.min, p.max)
}

// Gauss is a truncated Gaussian prior, which can have different
// widths below and above the central value.
type Gauss struct {
	min, max            float64
	central             float64
	sigmaLower, sigmaUp float64

	// probability mass below central value and the total mass
	lowerMass, mass float64
}

// NewGauss creates a Gaussian prior with the given central value and
// lower and upper standard deviations, truncated to [min, max].
func NewGauss(min, max, central, sigmaLower, sigmaUpper float64) (*Gauss, error) {
	if err := checkRange(min, max); err != nil {
		return nil, err
	}
	if sigmaLower <= 0 || sigmaUpper <= 0 {
		return nil, errors.Errorf("Gaussian prior widths must be positive (%v, %v)", sigmaLower, sigmaUpper)
	}
	p := &Gauss{
		min:        min,
		max:        max,
		central:    central,
		sigmaLower: sigmaLower,
		sigmaUp:    sigmaUpper,
	}
	p.lowerMass = p.massBetween(min, max, true)
	p.mass = p.lowerMass + p.massBetween(min, max, false)
	if p.mass <= 0 {
		return nil, errors.Errorf("Gaussian prior has no mass in [%v, %v]", min, max)
	}
	return p, nil
}

// massBetween returns the unnormalized mass of one half of the prior
// within [a, b]. The half-densities are scaled to be continuous at the
// central value.
func (p *Gauss) massBetween(a, b float64, lower bool) float64 {
	sigma := p.sigmaUp
	if lower {
		sigma = p.sigmaLower
		b = math.Min(b, p.central)
	} else {
		a = math.Max(a, p.central)
	}
	if a >= b {
		return 0
	}
	return sigma * (dist.CDFNormal((b-p.central)/sigma) - dist.CDFNormal((a-p.central)/sigma))
}

func (p *Gauss) sigma(x float64) float64 {
	if x < p.central {
		return p.sigmaLower
	}
	return p.sigmaUp
}

func (p *Gauss) LogDensity(x float64) float64 {
	if x < p.min || x > p.max {
		return math.Inf(-1)
	}
	z := (x - p.central) / p.sigma(x)
	return -0.5*z*z - 0.5*math.Log(2*math.Pi) - math.Log(p.mass)
}

func (p *Gauss) Range() (float64, float64) { return p.min, p.max }

// Variance returns the variance of the untruncated distribution,
// bounded by the variance of a flat prior over the range.
func (p *Gauss) Variance() float64 {
	s := 0.5 * (p.sigmaLower + p.sigmaUp)
	return math.Min(s*s, (p.max-p.min)*(p.max-p.min)/12)
}

func (p *Gauss) IsFlat() bool { return false }

func (p *Gauss) Sample(u float64) float64 {
	m := u * p.mass
	var x float64
	if m < p.lowerMass {
		a := dist.CDFNormal((p.min - p.central) / p.sigmaLower)
		x = p.central + p.sigmaLower*dist.QuantileNormal(a+m/p.sigmaLower)
	} else {
		a := dist.CDFNormal((math.Max(p.min, p.central) - p.central) / p.sigmaUp)
		x = p.central + p.sigmaUp*dist.QuantileNormal(a+(m-p.lowerMass)/p.sigmaUp)
	}
	return math.Max(p.min, math.Min(p.max, x))
}

func (p *Gauss) Restrict(min, max float64) (Prior, error) {
	if err := restrictRange(p.min, p.max, min, max); err != nil {
		return nil, err
	}
	return NewGauss(min, max, p.central, p.sigmaLower, p.sigmaUp)
}

func (p *Gauss) String() string {
	return fmt.Sprintf("Parameter: Gaussian, range = [%v, %v], x = %v +%v -%v",
		p.min, p.max, p.central, p.sigmaUp, p.sigmaLower)
}

// Scale is a log-uniform prior on a positive range.
type Scale struct {
	min, max float64
}

// NewScale creates a log-uniform prior on [min, max], min > 0.
func NewScale(min, max float64) (*Scale, error) {
	if err := checkRange(min, max); err != nil {
		return nil, err
	}
	if min <= 0 {
		return nil, errors.Wrapf(ErrOutOfRange, "scale prior requires a positive range, got min=%v", min)
	}
	return &Scale{min, max}, nil
}

func (p *Scale) LogDensity(x float64) float64 {
	if x < p.min || x > p.max {
		return math.Inf(-1)
	}
	return -math.Log(x) - math.Log(math.Log(p.max/p.min))
}

func (p *Scale) Range() (float64, float64) { return p.min, p.max }

func (p *Scale) Variance() float64 {
	l := math.Log(p.max / p.min)
	m1 := (p.max - p.min) / l
	m2 := (p.max*p.max - p.min*p.min) / (2 * l)
	return m2 - m1*m1
}

func (p *Scale) IsFlat() bool { return false }

func (p *Scale) Sample(u float64) float64 {
	return p.min * math.Pow(p.max/p.min, u)
}

func (p *Scale) Restrict(min, max float64) (Prior, error) {
	if err := restrictRange(p.min, p.max, min, max); err != nil {
		return nil, err
	}
	return &Scale{min, max}, nil
}

func (p *Scale) String() string {
	return fmt.Sprintf("Parameter: scale, range = [%v, %v]", p.min, p.max)
}
