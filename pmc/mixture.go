package pmc

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/bayesfit/bayesfit/dist"
)

// Component is a weighted multivariate normal or Student-t
// distribution.
type Component struct {
	Weight float64
	mv     *dist.MV
}

// NewComponent creates a component. Gaussian components have dof <= 0.
func NewComponent(weight float64, mean []float64, cov mat.Symmetric, dof float64) (*Component, error) {
	if weight <= 0 || math.IsNaN(weight) {
		return nil, errors.Errorf("component weight must be positive, got %v", weight)
	}
	mv, err := dist.NewMV(mean, cov, dof)
	if err != nil {
		return nil, err
	}
	return &Component{Weight: weight, mv: mv}, nil
}

// Dim returns the dimensionality.
func (c *Component) Dim() int {
	return c.mv.Dim()
}

// Mean returns the mean (the location for Student-t).
func (c *Component) Mean() []float64 {
	return c.mv.Mean
}

// Covariance returns a copy of the covariance (scale) matrix.
func (c *Component) Covariance() *mat.SymDense {
	return c.mv.Covariance()
}

// Dof returns the degrees of freedom, -1 for a Gaussian.
func (c *Component) Dof() float64 {
	if c.mv.Dof <= 0 {
		return -1
	}
	return c.mv.Dof
}

// IsStudentT reports whether the component is a Student-t.
func (c *Component) IsStudentT() bool {
	return c.mv.Dof > 0
}

// LogDensity returns the log-density of the component, not including
// the weight.
func (c *Component) LogDensity(x []float64) float64 {
	return c.mv.LogDensity(x)
}

// Chi2 returns the squared Mahalanobis distance to the mean.
func (c *Component) Chi2(x []float64) float64 {
	return c.mv.Chi2(x, c.mv.Mean)
}

func (c *Component) clone() *Component {
	return &Component{Weight: c.Weight, mv: c.mv.Clone()}
}

// Mixture is a weighted sum of components. Weights sum to one.
// A mixture is not modified after it was passed to a sampler,
// adaptation creates a new one.
type Mixture struct {
	components []*Component
}

// NewMixture creates a mixture and normalizes the weights.
func NewMixture(components []*Component) (*Mixture, error) {
	if len(components) == 0 {
		return nil, errors.New("mixture requires at least one component")
	}
	d := components[0].Dim()
	for i, c := range components {
		if c.Dim() != d {
			return nil, errors.Wrapf(ErrDimension, "component %d has %d dimensions, expected %d", i, c.Dim(), d)
		}
	}
	m := &Mixture{components: components}
	m.normalize()
	return m, nil
}

// normalize rescales the weights unless they already sum to one
// within rounding, so that stored mixtures are restored exactly.
func (m *Mixture) normalize() {
	sum := 0.0
	for _, c := range m.components {
		sum += c.Weight
	}
	if math.Abs(sum-1) < 1e-12 {
		return
	}
	for _, c := range m.components {
		c.Weight /= sum
	}
}

// Len returns the number of components.
func (m *Mixture) Len() int {
	return len(m.components)
}

// Dim returns the dimensionality.
func (m *Mixture) Dim() int {
	return m.components[0].Dim()
}

// Component returns the k-th component.
func (m *Mixture) Component(k int) *Component {
	return m.components[k]
}

// Weights returns the component weights.
func (m *Mixture) Weights() []float64 {
	w := make([]float64, len(m.components))
	for k, c := range m.components {
		w[k] = c.Weight
	}
	return w
}

// ComponentLogDensities stores log(weight·density) of every
// component at x in dst, which is allocated if nil, and returns the
// mixture log-density.
func (m *Mixture) ComponentLogDensities(x, dst []float64) ([]float64, float64) {
	if dst == nil {
		dst = make([]float64, len(m.components))
	}
	for k, c := range m.components {
		dst[k] = math.Log(c.Weight) + c.LogDensity(x)
	}
	return dst, dist.LogSumExp(dst)
}

// LogDensity returns the mixture log-density at x.
func (m *Mixture) LogDensity(x []float64) float64 {
	_, l := m.ComponentLogDensities(x, nil)
	return l
}

// Draw draws a point and returns it with the index of the component
// which generated it.
func (m *Mixture) Draw(r *rand.Rand, dst []float64) ([]float64, int) {
	u := r.Float64()
	k := len(m.components) - 1
	for i, c := range m.components {
		u -= c.Weight
		if u < 0 {
			k = i
			break
		}
	}
	return m.components[k].mv.Draw(r, dst), k
}

// Clone returns a deep copy.
func (m *Mixture) Clone() *Mixture {
	c := &Mixture{components: make([]*Component, len(m.components))}
	for k, comp := range m.components {
		c.components[k] = comp.clone()
	}
	return c
}

// ComponentRecord is the persistent form of a component.
type ComponentRecord struct {
	Weight     float64   `json:"weight"`
	Mean       []float64 `json:"mean"`
	// Covariance is stored row-major.
	Covariance []float64 `json:"covariance"`
	Dof        float64   `json:"dof"`
}

// Row returns the record as a table row: weight, mean, covariance
// and degrees of freedom.
func (r ComponentRecord) Row() []float64 {
	row := make([]float64, 0, 2+len(r.Mean)+len(r.Covariance))
	row = append(row, r.Weight)
	row = append(row, r.Mean...)
	row = append(row, r.Covariance...)
	return append(row, r.Dof)
}

// ComponentRecordFromRow is the inverse of ComponentRecord.Row for d
// dimensions.
func ComponentRecordFromRow(row []float64, d int) (ComponentRecord, error) {
	if len(row) != 2+d+d*d {
		return ComponentRecord{}, errors.Wrapf(ErrDimension, "component row has %d columns", len(row))
	}
	return ComponentRecord{
		Weight:     row[0],
		Mean:       append([]float64(nil), row[1:1+d]...),
		Covariance: append([]float64(nil), row[1+d:1+d+d*d]...),
		Dof:        row[1+d+d*d],
	}, nil
}

// ComponentColumns returns the number of columns of a component row.
func ComponentColumns(d int) int {
	return 2 + d + d*d
}

// Records returns the persistent form of all the components.
func (m *Mixture) Records() []ComponentRecord {
	rs := make([]ComponentRecord, len(m.components))
	for k, c := range m.components {
		cov := c.mv.Covariance()
		d := c.Dim()
		data := make([]float64, d*d)
		for i := 0; i < d; i++ {
			for j := 0; j < d; j++ {
				data[i*d+j] = cov.At(i, j)
			}
		}
		rs[k] = ComponentRecord{
			Weight:     c.Weight,
			Mean:       append([]float64(nil), c.Mean()...),
			Covariance: data,
			Dof:        c.Dof(),
		}
	}
	return rs
}

// MixtureFromRecords restores a mixture.
func MixtureFromRecords(rs []ComponentRecord) (*Mixture, error) {
	cs := make([]*Component, 0, len(rs))
	for i, r := range rs {
		d := len(r.Mean)
		if len(r.Covariance) != d*d {
			return nil, errors.Wrapf(ErrDimension, "covariance of component %d", i)
		}
		c, err := NewComponent(r.Weight, r.Mean, mat.NewSymDense(d, append([]float64(nil), r.Covariance...)), r.Dof)
		if err != nil {
			return nil, errors.Wrapf(err, "component %d", i)
		}
		cs = append(cs, c)
	}
	return NewMixture(cs)
}
