package mcmc

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/bayesfit/bayesfit/dist"
)

// GlobalLocalConfig contains settings of the global-local proposal.
type GlobalLocalConfig struct {
	// LocalJumpProbability is the probability to use the local
	// proposal of the chain's own component.
	LocalJumpProbability float64 `yaml:"local_jump_probability"`
	// HistoryPoints is the number of kernel points taken from
	// every chain.
	HistoryPoints int `yaml:"history_points"`
	// SkipInitial is the fraction of every history ignored.
	SkipInitial float64 `yaml:"skip_initial"`
	// CoolingPower controls adaptation of the component
	// probabilities.
	CoolingPower float64 `yaml:"cooling_power"`
	// RValueCriterion is used to cluster chains into components.
	RValueCriterion float64 `yaml:"rvalue_criterion"`
	// Adapt makes the main run adapt the local proposals and the
	// component probabilities after every chunk.
	Adapt bool `yaml:"adapt"`
}

// NewGlobalLocalConfig returns the default settings.
func NewGlobalLocalConfig() GlobalLocalConfig {
	return GlobalLocalConfig{
		LocalJumpProbability: 0.5,
		HistoryPoints:        10,
		SkipInitial:          0.1,
		CoolingPower:         DefaultCoolingPower,
		RValueCriterion:      1.1,
	}
}

type glComponent struct {
	local       *Multivariate
	kernel      *dist.MV
	// points are shared between clones and never modified
	points      [][]float64
	probability float64
}

// GlobalLocal mixes local random walk jumps with global jumps drawn
// from a kernel density over points of several chains. Every
// component corresponds to a cluster of chains which explored the
// same region.
type GlobalLocal struct {
	cfg         GlobalLocalConfig
	components  []*glComponent
	own         int
	adaptations int
	// groups are the chain clusters, nil for a restored proposal
	groups      [][]int
}

// NewGlobalLocal builds the proposal from histories of chains and
// their adapted proposals. Chains are clustered with GroupByRValue,
// every cluster gives one component. The local proposal of a
// component is a copy of the proposal of the first chain in the
// cluster.
func NewGlobalLocal(cfg GlobalLocalConfig, histories []History, proposals []*Multivariate) (*GlobalLocal, error) {
	if len(histories) == 0 || len(histories) != len(proposals) {
		return nil, errors.Errorf("need one proposal per history, got %d histories and %d proposals", len(histories), len(proposals))
	}
	if cfg.HistoryPoints < 1 {
		return nil, errors.Errorf("history points must be positive, got %d", cfg.HistoryPoints)
	}
	if cfg.LocalJumpProbability < 0 || cfg.LocalJumpProbability > 1 {
		return nil, errors.Errorf("local jump probability must be in [0, 1], got %v", cfg.LocalJumpProbability)
	}
	d := proposals[0].Dim()
	for i, h := range histories {
		if proposals[i].Dim() != d {
			return nil, errors.Wrapf(ErrDimension, "proposal of chain %d", i)
		}
		if len(h.Skip(cfg.SkipInitial)) < cfg.HistoryPoints {
			return nil, errors.Errorf("chain %d has too short history (%d states)", i, len(h))
		}
		if len(h[0].Point) != d {
			return nil, errors.Wrapf(ErrDimension, "history of chain %d", i)
		}
	}

	groups := [][]int{{0}}
	if len(histories) > 1 {
		var err error
		groups, err = GroupByRValue(histories, cfg.SkipInitial, cfg.RValueCriterion, nil)
		if err != nil {
			return nil, err
		}
	}
	log.Infof("Global-local proposal with %d components from %d chains", len(groups), len(histories))

	gl := &GlobalLocal{cfg: cfg, groups: groups}
	for _, g := range groups {
		var points, pooled [][]float64
		for _, i := range g {
			h := histories[i].Skip(cfg.SkipInitial)
			points = append(points, evenlySpaced(h, cfg.HistoryPoints)...)
			pooled = append(pooled, h.Points()...)
		}
		_, cov := dist.WeightedMoments(pooled, nil)
		n := float64(len(points))
		cov.ScaleSym(math.Pow(n, -2/float64(d+4)), cov)
		kernel, err := dist.NewMV(make([]float64, d), cov, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "kernel of component with chains %v", g)
		}
		gl.components = append(gl.components, &glComponent{
			local:       proposals[g[0]].clone(),
			kernel:      kernel,
			points:      points,
			probability: 1 / float64(len(groups)),
		})
	}
	return gl, nil
}

// evenlySpaced returns n points of h at equal distances.
func evenlySpaced(h History, n int) [][]float64 {
	step := float64(len(h)) / float64(n)
	points := make([][]float64, n)
	for i := range points {
		points[i] = h[int(float64(i)*step)].Point
	}
	return points
}

// Components returns the number of components.
func (gl *GlobalLocal) Components() int {
	return len(gl.components)
}

// Probabilities returns the component probabilities of global jumps.
func (gl *GlobalLocal) Probabilities() []float64 {
	p := make([]float64, len(gl.components))
	for k, c := range gl.components {
		p[k] = c.probability
	}
	return p
}

// Groups returns the chain indices of every component.
func (gl *GlobalLocal) Groups() [][]int {
	return gl.groups
}

// Own returns the component used for local jumps.
func (gl *GlobalLocal) Own() int {
	return gl.own
}

// ForComponent returns a copy using the local proposal of component k.
func (gl *GlobalLocal) ForComponent(k int) (*GlobalLocal, error) {
	if k < 0 || k >= len(gl.components) {
		return nil, errors.Errorf("no component %d in global-local proposal", k)
	}
	c := gl.clone()
	c.own = k
	return c, nil
}

func (gl *GlobalLocal) Dim() int {
	return gl.components[0].local.Dim()
}

func (gl *GlobalLocal) Propose(r *rand.Rand, current, dst []float64) []float64 {
	if r.Float64() < gl.cfg.LocalJumpProbability {
		return gl.components[gl.own].local.Propose(r, current, dst)
	}
	u := r.Float64()
	k := len(gl.components) - 1
	for i, c := range gl.components {
		u -= c.probability
		if u < 0 {
			k = i
			break
		}
	}
	c := gl.components[k]
	center := c.points[r.IntN(len(c.points))]
	return c.kernel.DrawAt(r, center, 1, dst)
}

func (gl *GlobalLocal) Evaluate(x, y []float64) float64 {
	lambda := gl.cfg.LocalJumpProbability
	local := math.Inf(-1)
	if lambda > 0 {
		local = math.Log(lambda) + gl.components[gl.own].local.Evaluate(x, y)
	}
	if lambda >= 1 {
		return local
	}
	global := math.Log(1-lambda) + gl.globalDensity(x)
	return dist.LogSumExp([]float64{local, global})
}

// globalDensity returns the log-density of the global jumps at x.
func (gl *GlobalLocal) globalDensity(x []float64) float64 {
	terms := make([]float64, 0, len(gl.components))
	for _, c := range gl.components {
		if c.probability <= 0 {
			continue
		}
		terms = append(terms, math.Log(c.probability)+c.density(x))
	}
	return dist.LogSumExp(terms)
}

// density returns the log kernel density of the component at x.
func (c *glComponent) density(x []float64) float64 {
	terms := make([]float64, len(c.points))
	for j, p := range c.points {
		terms[j] = c.kernel.LogDensityAt(x, p)
	}
	return dist.LogSumExp(terms) - math.Log(float64(len(c.points)))
}

// Adapt adapts the local proposal of the own component and moves the
// component probabilities towards the fractions of states closest to
// each component.
func (gl *GlobalLocal) Adapt(h History, efficiency, minEfficiency, maxEfficiency float64) {
	gl.components[gl.own].local.Adapt(h, efficiency, minEfficiency, maxEfficiency)
	if len(h) == 0 {
		return
	}
	freq := make([]float64, len(gl.components))
	for _, s := range h {
		best, bestDensity := 0, math.Inf(-1)
		for k, c := range gl.components {
			if d := c.density(s.Point); d > bestDensity {
				best, bestDensity = k, d
			}
		}
		freq[best]++
	}
	gl.adaptations++
	w := 1 / math.Pow(float64(gl.adaptations+1), gl.cfg.CoolingPower)
	sum := 0.0
	for k, c := range gl.components {
		c.probability = (1-w)*c.probability + w*freq[k]/float64(len(h))
		sum += c.probability
	}
	for _, c := range gl.components {
		c.probability /= sum
	}
	log.Debugf("Global-local probabilities %v", gl.Probabilities())
}

func (gl *GlobalLocal) Clone() Proposal {
	return gl.clone()
}

func (gl *GlobalLocal) clone() *GlobalLocal {
	c := *gl
	c.components = make([]*glComponent, len(gl.components))
	for k, comp := range gl.components {
		cc := *comp
		cc.local = comp.local.clone()
		c.components[k] = &cc
	}
	return &c
}

// GlobalLocalSnapshot is the persistent state of a global-local
// proposal.
type GlobalLocalSnapshot struct {
	Config      GlobalLocalConfig              `json:"config"`
	Own         int                            `json:"own"`
	Adaptations int                            `json:"adaptations"`
	Components  []GlobalLocalSnapshotComponent `json:"components"`
}

// GlobalLocalSnapshotComponent is the persistent state of one component.
type GlobalLocalSnapshotComponent struct {
	Local       MultivariateSnapshot `json:"local"`
	Kernel      []float64            `json:"kernel"`
	Points      [][]float64          `json:"points"`
	Probability float64              `json:"probability"`
}

// Snapshot returns the persistent state.
func (gl *GlobalLocal) Snapshot() GlobalLocalSnapshot {
	s := GlobalLocalSnapshot{
		Config:      gl.cfg,
		Own:         gl.own,
		Adaptations: gl.adaptations,
	}
	for _, c := range gl.components {
		s.Components = append(s.Components, GlobalLocalSnapshotComponent{
			Local:       c.local.Snapshot(),
			Kernel:      symData(c.kernel.Covariance()),
			Points:      c.points,
			Probability: c.probability,
		})
	}
	return s
}

// RestoreGlobalLocal creates a proposal from a snapshot.
func RestoreGlobalLocal(s GlobalLocalSnapshot) (*GlobalLocal, error) {
	if len(s.Components) == 0 || s.Own < 0 || s.Own >= len(s.Components) {
		return nil, errors.New("invalid global-local proposal snapshot")
	}
	gl := &GlobalLocal{
		cfg:         s.Config,
		own:         s.Own,
		adaptations: s.Adaptations,
	}
	for _, cs := range s.Components {
		local, err := RestoreMultivariate(cs.Local)
		if err != nil {
			return nil, err
		}
		d := local.Dim()
		if len(cs.Kernel) != d*d || len(cs.Points) == 0 {
			return nil, errors.Wrap(ErrDimension, "kernel in global-local snapshot")
		}
		kernel, err := dist.NewMV(make([]float64, d), mat.NewSymDense(d, append([]float64(nil), cs.Kernel...)), 0)
		if err != nil {
			return nil, err
		}
		gl.components = append(gl.components, &glComponent{
			local:       local,
			kernel:      kernel,
			points:      cs.Points,
			probability: cs.Probability,
		})
	}
	return gl, nil
}
