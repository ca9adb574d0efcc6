package dist

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const ln2Pi = 1.8378770664093453

// MV is a multivariate normal (Dof <= 0) or Student-t (Dof > 0)
// distribution. For the Student-t the covariance is the scale matrix.
type MV struct {
	Mean []float64
	Dof  float64

	cov     *mat.SymDense
	chol    mat.Cholesky
	l       mat.TriDense
	lognorm float64
}

// Factorize computes the Cholesky decomposition of a covariance
// matrix. ErrNotPositiveDefinite is returned if the matrix is not
// positive-definite or it is numerically singular.
func Factorize(cov mat.Symmetric) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, ErrNotPositiveDefinite
	}
	if c := chol.Cond(); c > maxCond || math.IsNaN(c) {
		return nil, ErrNotPositiveDefinite
	}
	return &chol, nil
}

// NewMV creates a new multivariate distribution. The covariance
// matrix is copied.
func NewMV(mean []float64, cov mat.Symmetric, dof float64) (*MV, error) {
	if cov.SymmetricDim() != len(mean) {
		return nil, mat.ErrShape
	}
	m := &MV{
		Mean: append([]float64(nil), mean...),
		Dof:  dof,
	}
	if err := m.SetCovariance(cov); err != nil {
		return nil, err
	}
	return m, nil
}

// Dim returns the dimensionality.
func (m *MV) Dim() int {
	return len(m.Mean)
}

// SetCovariance replaces the covariance matrix. If the new matrix
// cannot be factorized the previous one is retained and
// ErrNotPositiveDefinite is returned.
func (m *MV) SetCovariance(cov mat.Symmetric) error {
	if cov.SymmetricDim() != len(m.Mean) {
		return mat.ErrShape
	}
	chol, err := Factorize(cov)
	if err != nil {
		return err
	}
	m.cov = mat.NewSymDense(len(m.Mean), nil)
	m.cov.CopySym(cov)
	m.chol.Clone(chol)
	m.chol.LTo(&m.l)
	m.computeNorm()
	return nil
}

func (m *MV) computeNorm() {
	d := float64(len(m.Mean))
	halfLogDet := 0.5 * m.chol.LogDet()
	if m.Dof <= 0 {
		m.lognorm = -0.5*d*ln2Pi - halfLogDet
		return
	}
	a, _ := math.Lgamma((m.Dof + d) / 2)
	b, _ := math.Lgamma(m.Dof / 2)
	m.lognorm = a - b - 0.5*d*math.Log(m.Dof*math.Pi) - halfLogDet
}

// Covariance returns a copy of the covariance matrix.
func (m *MV) Covariance() *mat.SymDense {
	c := mat.NewSymDense(len(m.Mean), nil)
	c.CopySym(m.cov)
	return c
}

// LogNorm returns the logarithm of the normalization constant.
func (m *MV) LogNorm() float64 {
	return m.lognorm
}

// LogDet returns the logarithm of the covariance determinant.
func (m *MV) LogDet() float64 {
	return m.chol.LogDet()
}

// Chi2 returns the squared Mahalanobis distance between x and center.
func (m *MV) Chi2(x, center []float64) float64 {
	diff := make([]float64, len(x))
	floats.SubTo(diff, x, center)
	var v mat.VecDense
	if err := m.chol.SolveVecTo(&v, mat.NewVecDense(len(diff), diff)); err != nil {
		return math.Inf(1)
	}
	return floats.Dot(diff, v.RawVector().Data)
}

// LogDensityAt returns the log-density at x of the distribution
// shifted to center.
func (m *MV) LogDensityAt(x, center []float64) float64 {
	chi2 := m.Chi2(x, center)
	if m.Dof <= 0 {
		return m.lognorm - 0.5*chi2
	}
	d := float64(len(m.Mean))
	return m.lognorm - 0.5*(m.Dof+d)*math.Log1p(chi2/m.Dof)
}

// LogDensity returns the log-density at x.
func (m *MV) LogDensity(x []float64) float64 {
	return m.LogDensityAt(x, m.Mean)
}

// DrawAt draws a point of the distribution shifted to center,
// multiplying the deviation by sqrt(scale). The result is stored in
// dst, which is allocated if nil.
func (m *MV) DrawAt(r *rand.Rand, center []float64, scale float64, dst []float64) []float64 {
	d := len(m.Mean)
	if dst == nil {
		dst = make([]float64, d)
	}
	z := make([]float64, d)
	for i := range z {
		z[i] = r.NormFloat64()
	}
	var y mat.VecDense
	y.MulVec(&m.l, mat.NewVecDense(d, z))
	f := math.Sqrt(scale)
	if m.Dof > 0 {
		f *= math.Sqrt(m.Dof / Chi2(r, m.Dof))
	}
	for i := 0; i < d; i++ {
		dst[i] = center[i] + f*y.AtVec(i)
	}
	return dst
}

// Draw draws a point from the distribution.
func (m *MV) Draw(r *rand.Rand, dst []float64) []float64 {
	return m.DrawAt(r, m.Mean, 1, dst)
}

// Clone creates a deep copy.
func (m *MV) Clone() *MV {
	c := &MV{
		Mean:    append([]float64(nil), m.Mean...),
		Dof:     m.Dof,
		cov:     m.Covariance(),
		lognorm: m.lognorm,
	}
	c.chol.Clone(&m.chol)
	c.chol.LTo(&c.l)
	return c
}

// KL returns the Kullback-Leibler divergence KL(p||q) between two
// normal distributions. Degrees of freedom are ignored.
func KL(p, q *MV) float64 {
	d := p.Dim()
	var s mat.Dense
	if err := q.chol.SolveTo(&s, p.cov); err != nil {
		return math.Inf(1)
	}
	return 0.5 * (q.LogDet() - p.LogDet() + mat.Trace(&s) + q.Chi2(p.Mean, q.Mean) - float64(d))
}

// WeightedMoments returns the weighted mean and the weighted
// covariance normalized by the sum of weights. All weights are equal
// if weights is nil.
func WeightedMoments(points [][]float64, weights []float64) (mean []float64, cov *mat.SymDense) {
	d := len(points[0])
	mean = make([]float64, d)
	cov = mat.NewSymDense(d, nil)
	sum := 0.0
	for i, x := range points {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		sum += w
		floats.AddScaled(mean, w, x)
	}
	if sum <= 0 {
		return mean, cov
	}
	floats.Scale(1/sum, mean)
	diff := make([]float64, d)
	for i, x := range points {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		if w == 0 {
			continue
		}
		floats.SubTo(diff, x, mean)
		cov.SymRankOne(cov, w/sum, mat.NewVecDense(d, diff))
	}
	return mean, cov
}
