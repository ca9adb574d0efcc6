package pmc

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/bayesfit/bayesfit/analysis"
	"github.com/bayesfit/bayesfit/dist"
	"github.com/bayesfit/bayesfit/mcmc"
)

// overlapSamples is the number of draws used to estimate the overlap
// of a component with the parameter box.
const overlapSamples = 1000

// InitConfig contains settings of the initialization from prerun
// chains.
type InitConfig struct {
	// SkipInitial is the fraction of every history ignored.
	SkipInitial float64 `yaml:"skip_initial"`
	// RValueCriterion groups chains into clusters.
	RValueCriterion float64 `yaml:"rvalue_criterion"`
	// RValueNoNuisance leaves nuisance parameters out of the
	// grouping R-values.
	RValueNoNuisance bool `yaml:"rvalue_no_nuisance"`
	// WindowsPerChain is the number of history windows of every
	// chain, each window gives one component before clustering.
	WindowsPerChain int `yaml:"windows_per_chain"`
	// ComponentsPerCluster is the number of components every
	// cluster of chains is reduced to.
	ComponentsPerCluster int `yaml:"components_per_cluster"`
	// Dof are the degrees of freedom of the components, -1 for
	// Gaussian components.
	Dof float64 `yaml:"dof"`
	// MinOverlap is the minimum fraction of draws of a component
	// inside of the parameter ranges.
	MinOverlap float64 `yaml:"min_overlap"`
}

// NewInitConfig returns the default settings.
func NewInitConfig() InitConfig {
	return InitConfig{
		SkipInitial:          0.1,
		RValueCriterion:      1.1,
		RValueNoNuisance:     true,
		WindowsPerChain:      5,
		ComponentsPerCluster: 4,
		Dof:                  -1,
		MinOverlap:           0,
	}
}

// FromChains builds the initial mixture from the histories of prerun
// chains. Chains are grouped by R-value. Every chain history is split
// into windows, each window gives a component, and the components of
// every group are reduced by hierarchical clustering. Groups are
// weighted by their number of chains.
func FromChains(a *analysis.Analysis, histories []mcmc.History, cfg InitConfig, seed int64) (*Mixture, error) {
	if len(histories) == 0 {
		return nil, errors.New("no chains to initialize from")
	}
	if cfg.WindowsPerChain < 1 || cfg.ComponentsPerCluster < 1 {
		return nil, errors.New("windows per chain and components per cluster must be positive")
	}
	groups := [][]int{{0}}
	if len(histories) > 1 {
		var params []int
		if cfg.RValueNoNuisance {
			params = []int{}
			for i, p := range a.Parameters() {
				if !p.Nuisance {
					params = append(params, i)
				}
			}
		}
		var err error
		if groups, err = mcmc.GroupByRValue(histories, cfg.SkipInitial, cfg.RValueCriterion, params); err != nil {
			return nil, err
		}
	}
	log.Infof("Initializing from %d chains in %d clusters", len(histories), len(groups))

	var all []*Component
	for gi, g := range groups {
		var windows []*Component
		for _, i := range g {
			h := histories[i].Skip(cfg.SkipInitial)
			if len(h) > 0 && len(h[0].Point) != a.Dim() {
				return nil, errors.Wrapf(ErrDimension, "history of chain %d", i)
			}
			size := len(h) / cfg.WindowsPerChain
			if size < 2 {
				return nil, errors.Errorf("chain %d is too short for %d windows", i, cfg.WindowsPerChain)
			}
			for w := 0; w < cfg.WindowsPerChain; w++ {
				mean, cov := dist.WeightedMoments(h[w*size:(w+1)*size].Points(), nil)
				c, err := NewComponent(1, mean, cov, cfg.Dof)
				if err != nil {
					log.Warningf("Skipping window %d of chain %d: %v", w, i, err)
					continue
				}
				windows = append(windows, c)
			}
		}
		if len(windows) == 0 {
			log.Warningf("No usable window in cluster %d", gi)
			continue
		}
		input, err := NewMixture(windows)
		if err != nil {
			return nil, err
		}
		reduced := input
		if k := cfg.ComponentsPerCluster; input.Len() > k {
			initial := make([]*Component, k)
			for j := range initial {
				initial[j] = input.Component(j * input.Len() / k).clone()
			}
			im, err := NewMixture(initial)
			if err != nil {
				return nil, err
			}
			if reduced, err = HierarchicalClustering(input, im); err != nil {
				return nil, errors.Wrapf(err, "clustering group %d", gi)
			}
		}
		for k := 0; k < reduced.Len(); k++ {
			c := reduced.Component(k)
			c.Weight *= float64(len(g)) / float64(len(histories))
			all = append(all, c)
		}
	}
	if len(all) == 0 {
		return nil, errors.New("no component could be built from the chains")
	}
	m, err := NewMixture(all)
	if err != nil {
		return nil, err
	}
	return FilterOverlap(a, m, cfg.MinOverlap, seed)
}

// FromRecords restores a stored mixture and checks it against the
// analysis.
func FromRecords(a *analysis.Analysis, rs []ComponentRecord) (*Mixture, error) {
	m, err := MixtureFromRecords(rs)
	if err != nil {
		return nil, err
	}
	if m.Dim() != a.Dim() {
		return nil, errors.Wrapf(ErrDimension, "stored mixture has %d dimensions, analysis has %d", m.Dim(), a.Dim())
	}
	return m, nil
}

// FilterOverlap drops components with less than minOverlap of their
// draws inside of the parameter ranges.
func FilterOverlap(a *analysis.Analysis, m *Mixture, minOverlap float64, seed int64) (*Mixture, error) {
	if minOverlap <= 0 {
		return m, nil
	}
	r := rand.New(dist.NewSource(seed))
	var live []*Component
	x := make([]float64, m.Dim())
	for k := 0; k < m.Len(); k++ {
		c := m.Component(k)
		inside := 0
		for i := 0; i < overlapSamples; i++ {
			c.mv.Draw(r, x)
			if a.InRange(x) {
				inside++
			}
		}
		if overlap := float64(inside) / overlapSamples; overlap < minOverlap {
			log.Infof("Dropping component %d with overlap %.3f", k, overlap)
			continue
		}
		live = append(live, c.clone())
	}
	if len(live) == 0 {
		return nil, errors.Errorf("no component overlaps the parameter ranges by at least %v", minOverlap)
	}
	return NewMixture(live)
}
