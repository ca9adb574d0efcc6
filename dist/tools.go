// Package dist implements multivariate normal and Student-t primitives
// shared by the proposal functions and mixture densities.
package dist

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

// maxCond is the largest condition number of a covariance matrix which
// is still considered non-singular.
const maxCond = 1e14

// streamID is the PCG stream used for all the generators. Different
// chains are distinguished by the seed only.
const streamID = 0x9e3779b97f4a7c15

// ErrNotPositiveDefinite is returned when a covariance matrix cannot
// be factorized.
var ErrNotPositiveDefinite = errors.New("covariance matrix is not positive-definite")

// NewSource creates a seeded PCG source. The state of the source can
// be saved with MarshalBinary and restored with UnmarshalBinary.
func NewSource(seed int64) *rand.PCG {
	return rand.NewPCG(uint64(seed), streamID)
}

// QuantileNormal returns quantile for normal distribution.
func QuantileNormal(prob float64) float64 {
	return mathext.NormalQuantile(prob)
}

// CDFNormal returns the cumulative distribution function of the
// standard normal distribution.
func CDFNormal(x float64) float64 {
	return distuv.UnitNormal.CDF(x)
}

// Chi2 draws a chi-squared distributed value with dof degrees of
// freedom.
func Chi2(src rand.Source, dof float64) float64 {
	return distuv.ChiSquared{K: dof, Src: src}.Rand()
}

// LogSumExp returns log(sum(exp(x))), -Inf for an empty slice.
func LogSumExp(x []float64) float64 {
	if len(x) == 0 {
		return math.Inf(-1)
	}
	return floats.LogSumExp(x)
}
