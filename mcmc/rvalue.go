package mcmc

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// RValue computes the Gelman-Rubin R-value of one parameter from the
// means and the variances of m >= 2 chains of n points each. The
// strict version includes the correction for the sampling variability
// of the variance estimates. math.MaxFloat64 is returned if the
// chains didn't move.
func RValue(means, variances []float64, n int, strict bool) (float64, error) {
	m := len(means)
	if m < 2 || len(variances) != m {
		return 0, errors.Errorf("R-value requires at least two chains, got %d", m)
	}
	if n < 2 {
		return 0, errors.Errorf("R-value requires at least two points per chain, got %d", n)
	}
	meanOfMeans, varOfMeans := stat.MeanVariance(means, nil)
	meanOfVariances, varOfVariances := stat.MeanVariance(variances, nil)
	if meanOfVariances == 0 {
		return math.MaxFloat64, nil
	}
	nf, mf := float64(n), float64(m)
	b := varOfMeans * nf
	w := meanOfVariances
	sigma2 := (nf-1)/nf*w + b/nf
	if !strict {
		return math.Sqrt(sigma2 / w), nil
	}

	v := sigma2 + b/(mf*nf)
	squares := make([]float64, m)
	for i, x := range means {
		squares[i] = x * x
	}
	cov21 := stat.Covariance(variances, means, nil)
	cov22 := stat.Covariance(variances, squares, nil)
	a := (nf - 1) * (nf - 1) / (nf * nf * mf) * varOfVariances
	bb := (mf + 1) * (mf + 1) / (mf * mf * nf * nf) * 2 / (mf - 1) * b * b
	c := 2 * (mf + 1) * (nf - 1) / (mf * nf * nf) * nf / mf * (cov22 - 2*meanOfMeans*cov21)
	varV := a + bb + c
	if varV <= 0 {
		return math.Sqrt(v / w), nil
	}
	df := 2 * v * v / varV
	if df <= 2 {
		return math.MaxFloat64, nil
	}
	return math.Sqrt(v / w * df / (df - 2)), nil
}

// RValues computes the R-value of every parameter from the histories
// of several chains. The histories are truncated to the shortest one
// after skipping the initial fraction.
func RValues(histories []History, skip float64, strict bool) ([]float64, error) {
	if len(histories) < 2 {
		return nil, errors.Errorf("R-value requires at least two chains, got %d", len(histories))
	}
	n := -1
	for _, h := range histories {
		if l := len(h.Skip(skip)); n < 0 || l < n {
			n = l
		}
	}
	if n < 2 {
		return nil, errors.Errorf("R-value requires at least two points per chain, got %d", n)
	}
	d := len(histories[0][0].Point)
	means := make([][]float64, d)
	variances := make([][]float64, d)
	for _, h := range histories {
		if len(h[0].Point) != d {
			return nil, errors.Wrap(ErrDimension, "computing R-value")
		}
		mean, variance := h.Skip(skip)[:n].MeanAndVariance(0)
		for i := 0; i < d; i++ {
			means[i] = append(means[i], mean[i])
			variances[i] = append(variances[i], variance[i])
		}
	}
	rs := make([]float64, d)
	for i := range rs {
		r, err := RValue(means[i], variances[i], n, strict)
		if err != nil {
			return nil, err
		}
		rs[i] = r
	}
	return rs, nil
}

// maxRValue returns the largest R-value over the parameters in
// params, over all of them if params is nil.
func maxRValue(histories []History, skip float64, strict bool, params []int) (float64, error) {
	rs, err := RValues(histories, skip, strict)
	if err != nil {
		return 0, err
	}
	max := 0.0
	if params == nil {
		for _, r := range rs {
			max = math.Max(max, r)
		}
		return max, nil
	}
	for _, p := range params {
		if p < 0 || p >= len(rs) {
			return 0, errors.Wrapf(ErrDimension, "no parameter %d", p)
		}
		max = math.Max(max, rs[p])
	}
	return max, nil
}

// GroupByRValue clusters chains. Every chain joins the first group
// for which the strict R-value of the checked parameters of the group
// together with the chain stays below criterion, otherwise it starts
// a new group. Only the parameters in params are checked, all of them
// if params is nil. Groups contain chain indices in increasing order.
func GroupByRValue(histories []History, skip, criterion float64, params []int) ([][]int, error) {
	var groups [][]int
Chains:
	for i := range histories {
		for g, group := range groups {
			hs := make([]History, 0, len(group)+1)
			for _, j := range group {
				hs = append(hs, histories[j])
			}
			hs = append(hs, histories[i])
			r, err := maxRValue(hs, skip, true, params)
			if err != nil {
				return nil, err
			}
			if r < criterion {
				groups[g] = append(group, i)
				continue Chains
			}
		}
		groups = append(groups, []int{i})
	}
	return groups, nil
}
