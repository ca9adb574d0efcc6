package pmc

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/bayesfit/bayesfit/dist"
)

// maxClusterSteps limits the iterations of the hierarchical
// clustering.
const maxClusterSteps = 100

// HierarchicalClustering reduces the input mixture to at most as many
// Gaussian components as the initial mixture has (Goldberger and
// Roweis, 2005). Every input component is assigned to the output
// component with the smallest Kullback-Leibler divergence, output
// components are refitted by moment matching. Output components
// without any input component are dropped.
func HierarchicalClustering(input, initial *Mixture) (*Mixture, error) {
	if input.Dim() != initial.Dim() {
		return nil, errors.Wrap(ErrDimension, "clustering")
	}
	output := make([]*Component, initial.Len())
	for j := range output {
		output[j] = initial.Component(j).clone()
	}
	assignment := make([]int, input.Len())
	for i := range assignment {
		assignment[i] = -1
	}

	for step := 0; step < maxClusterSteps; step++ {
		changed := false
		for i := 0; i < input.Len(); i++ {
			best, bestKL := -1, math.Inf(1)
			for j, g := range output {
				if g == nil {
					continue
				}
				if kl := dist.KL(input.Component(i).mv, g.mv); kl < bestKL {
					best, bestKL = j, kl
				}
			}
			if best < 0 {
				return nil, errors.New("no output component left in clustering")
			}
			if assignment[i] != best {
				assignment[i] = best
				changed = true
			}
		}
		if !changed {
			log.Debugf("Hierarchical clustering converged after %d steps", step)
			break
		}
		for j := range output {
			if output[j] == nil {
				continue
			}
			var members []*Component
			for i, a := range assignment {
				if a == j {
					members = append(members, input.Component(i))
				}
			}
			if len(members) == 0 {
				log.Debugf("Dropping empty cluster %d", j)
				output[j] = nil
				continue
			}
			g, err := mergeComponents(members, output[j].mv.Dof)
			if err != nil {
				log.Warningf("Cannot refit cluster %d: %v", j, err)
				continue
			}
			output[j] = g
		}
	}

	var live []*Component
	for _, g := range output {
		if g != nil {
			live = append(live, g)
		}
	}
	return NewMixture(live)
}

// mergeComponents replaces components by one component with the same
// total weight, mean and covariance.
func mergeComponents(cs []*Component, dof float64) (*Component, error) {
	d := cs[0].Dim()
	weight := 0.0
	mean := make([]float64, d)
	for _, c := range cs {
		weight += c.Weight
		floats.AddScaled(mean, c.Weight, c.Mean())
	}
	floats.Scale(1/weight, mean)
	cov := mat.NewSymDense(d, nil)
	diff := make([]float64, d)
	for _, c := range cs {
		f := c.Weight / weight
		var s mat.SymDense
		s.ScaleSym(f, c.mv.Covariance())
		cov.AddSym(cov, &s)
		floats.SubTo(diff, c.Mean(), mean)
		cov.SymRankOne(cov, f, mat.NewVecDense(d, diff))
	}
	return NewComponent(weight, mean, cov, dof)
}
