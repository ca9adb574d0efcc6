package mcmc

import (
	"context"
	"math"
	"math/rand/v2"
	"runtime"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"golang.org/x/sync/errgroup"

	"github.com/bayesfit/bayesfit/analysis"
	"github.com/bayesfit/bayesfit/dist"
)

// Stage names used for recording.
const (
	StagePrerun = "prerun"
	StageMain   = "main"
)

// maxStartTries is the number of prior draws tried to find a
// starting point with a non-zero posterior.
const maxStartTries = 100

// Range restricts one parameter.
type Range struct {
	Parameter string  `yaml:"parameter"`
	Min       float64 `yaml:"min"`
	Max       float64 `yaml:"max"`
}

// Partition is a sub-volume of the parameter space, a set of ranges
// of disjoint parameters. Chains of a partition are restricted to it.
type Partition []Range

// Config contains settings of the prerun and of the main run.
type Config struct {
	// Chains is the number of chains if there are no partitions.
	Chains int `yaml:"chains"`
	// ChainsPerPartition is the number of chains of every partition.
	ChainsPerPartition int `yaml:"chains_per_partition"`
	// MinEfficiency and MaxEfficiency define the target window of
	// the acceptance efficiency.
	MinEfficiency float64 `yaml:"min_efficiency"`
	MaxEfficiency float64 `yaml:"max_efficiency"`
	// RValueCriterion is the convergence bound of the R-value of
	// the chains within one partition.
	RValueCriterion float64 `yaml:"rvalue_criterion"`
	// StrictRValue selects the strict R-value.
	StrictRValue bool `yaml:"strict_rvalue"`
	// IterationsUpdate is the number of iterations between
	// adaptations and convergence checks.
	IterationsUpdate int `yaml:"iterations_update"`
	// IterationsMin and IterationsMax limit the prerun length.
	IterationsMin int `yaml:"iterations_min"`
	IterationsMax int `yaml:"iterations_max"`
	// SkipInitial is the fraction of every chunk ignored in the
	// R-value computation.
	SkipInitial float64 `yaml:"skip_initial"`
	// Proposal is either gauss or student-t.
	Proposal string `yaml:"proposal"`
	// Dof is the degrees of freedom of the Student-t proposal.
	Dof float64 `yaml:"dof"`
	// ScaleReduction divides the initial proposal standard
	// deviations.
	ScaleReduction float64 `yaml:"scale_reduction"`
	// StorePrerun controls recording of the prerun states.
	StorePrerun bool `yaml:"store_prerun"`
	// GlobalLocal contains the settings of the global-local
	// proposal used by the main run.
	GlobalLocal GlobalLocalConfig `yaml:"global_local"`
	// Seed is the base seed of the chains.
	Seed int64 `yaml:"-"`
	// Workers is the maximum number of chains running in
	// parallel, GOMAXPROCS if zero.
	Workers int `yaml:"workers"`
	// Start is the starting point, a prior draw is used if it is
	// nil or outside of a partition.
	Start []float64 `yaml:"-"`
}

// NewConfig returns the default settings.
func NewConfig() Config {
	return Config{
		Chains:             3,
		ChainsPerPartition: 2,
		MinEfficiency:      0.15,
		MaxEfficiency:      0.35,
		RValueCriterion:    1.1,
		StrictRValue:       true,
		IterationsUpdate:   1000,
		IterationsMin:      1000,
		IterationsMax:      1000000,
		SkipInitial:        0.1,
		Proposal:           "gauss",
		Dof:                1,
		ScaleReduction:     1,
		StorePrerun:        true,
		GlobalLocal:        NewGlobalLocalConfig(),
	}
}

func (cfg Config) validate() error {
	switch {
	case cfg.MinEfficiency <= 0 || cfg.MaxEfficiency >= 1 || cfg.MinEfficiency >= cfg.MaxEfficiency:
		return errors.Errorf("invalid efficiency window [%v, %v]", cfg.MinEfficiency, cfg.MaxEfficiency)
	case cfg.IterationsUpdate < 1:
		return errors.Errorf("iterations per update must be positive, got %d", cfg.IterationsUpdate)
	case cfg.IterationsMin > cfg.IterationsMax:
		return errors.Errorf("minimum iterations %d exceed maximum %d", cfg.IterationsMin, cfg.IterationsMax)
	case cfg.Chains < 1 || cfg.ChainsPerPartition < 1:
		return errors.New("number of chains must be positive")
	case cfg.ScaleReduction <= 0:
		return errors.Errorf("scale reduction must be positive, got %v", cfg.ScaleReduction)
	case cfg.SkipInitial < 0 || cfg.SkipInitial >= 1:
		return errors.Errorf("skip fraction must be in [0, 1), got %v", cfg.SkipInitial)
	}
	switch cfg.Proposal {
	case "gauss":
	case "student-t":
		if cfg.Dof <= 0 {
			return errors.Errorf("degrees of freedom must be positive, got %v", cfg.Dof)
		}
	default:
		return errors.Errorf("unknown proposal %q", cfg.Proposal)
	}
	return nil
}

// Recorder receives the output of a sampler. It is called from one
// goroutine after every chunk.
type Recorder interface {
	// RecordStates appends states of a chain.
	RecordStates(stage string, chain int, h History) error
	// RecordChain saves the mode, the proposal and the checkpoint
	// of a chain. During the prerun it is called after the proposals
	// were adapted.
	RecordChain(stage string, chain int, c *Chain) error
}

// Sampler runs groups of chains, one group per partition. The prerun
// adapts the proposals until the chains of every partition converge.
// The main run keeps the proposals fixed.
type Sampler struct {
	analysis    *analysis.Analysis
	cfg         Config
	chains      []*Chain
	partitionOf []int
	partitions  int
	last        []History
	iterations  int
	converged   bool
	recorder    Recorder
}

// NewSampler creates the chains. Partitions with unknown parameters
// or ranges outside of the parameter ranges are configuration
// errors. With no partitions cfg.Chains chains share the whole
// parameter space.
func NewSampler(a *analysis.Analysis, cfg Config, partitions []Partition) (*Sampler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Start != nil && len(cfg.Start) != a.Dim() {
		return nil, errors.Wrap(ErrDimension, "start point")
	}
	s := &Sampler{analysis: a.Clone(), cfg: cfg}
	perPartition := cfg.ChainsPerPartition
	if len(partitions) == 0 {
		partitions = []Partition{nil}
		perPartition = cfg.Chains
	}
	s.partitions = len(partitions)
	for p, part := range partitions {
		pa := a.Clone()
		for _, r := range part {
			if err := pa.Restrict(r.Parameter, r.Min, r.Max); err != nil {
				return nil, errors.Wrapf(err, "partition %d", p)
			}
		}
		for c := 0; c < perPartition; c++ {
			seed := cfg.Seed + int64(cfg.ChainsPerPartition*p+c)
			chain, err := s.newChain(pa, seed)
			if err != nil {
				return nil, errors.Wrapf(err, "chain %d of partition %d", c, p)
			}
			s.chains = append(s.chains, chain)
			s.partitionOf = append(s.partitionOf, p)
		}
	}
	log.Infof("Created %d chains in %d partitions", len(s.chains), s.partitions)
	return s, nil
}

// newChain creates a chain with a diagonal proposal computed from the
// prior variances.
func (s *Sampler) newChain(a *analysis.Analysis, seed int64) (*Chain, error) {
	d := a.Dim()
	cov := mat.NewSymDense(d, nil)
	for i, p := range a.Parameters() {
		sd := math.Sqrt(p.Prior.Variance()) / s.cfg.ScaleReduction
		cov.SetSym(i, i, sd*sd)
	}
	var p *Multivariate
	var err error
	if s.cfg.Proposal == "student-t" {
		p, err = NewStudentT(cov, s.cfg.Dof, true)
	} else {
		p, err = NewGaussian(cov, true)
	}
	if err != nil {
		return nil, err
	}
	start, err := s.startPoint(a, seed)
	if err != nil {
		return nil, err
	}
	return NewChain(a, p, seed, start)
}

// startPoint returns the configured start point if it is inside of
// the analysis ranges, otherwise a prior draw with non-zero posterior.
func (s *Sampler) startPoint(a *analysis.Analysis, seed int64) ([]float64, error) {
	if s.cfg.Start != nil && a.InRange(s.cfg.Start) {
		return s.cfg.Start, nil
	}
	r := rand.New(dist.NewSource(seed))
	u := make([]float64, a.Dim())
	for try := 0; try < maxStartTries; try++ {
		for i := range u {
			u[i] = r.Float64()
		}
		x := a.SamplePrior(u)
		if e, err := a.LogPosterior(x); err == nil && !math.IsInf(e.LogPosterior, -1) {
			return x, nil
		}
	}
	return nil, errors.Errorf("no start point with non-zero posterior found in %d prior draws", maxStartTries)
}

// SetRecorder sets the recorder, nil disables recording.
func (s *Sampler) SetRecorder(r Recorder) {
	s.recorder = r
}

// Chains returns the chains.
func (s *Sampler) Chains() []*Chain {
	return s.chains
}

// Partition returns the partition of a chain.
func (s *Sampler) Partition(chain int) int {
	return s.partitionOf[chain]
}

// Iterations returns the number of iterations every chain performed.
func (s *Sampler) Iterations() int {
	return s.iterations
}

// Converged reports whether the prerun converged.
func (s *Sampler) Converged() bool {
	return s.converged
}

// Histories returns the histories of the last chunk of every chain.
func (s *Sampler) Histories() []History {
	return s.last
}

// Prerun adapts the proposals chunk by chunk until the efficiencies
// are in the target window and the chains of every partition
// converged, or the maximum number of iterations is reached.
// Failing to converge is not an error. The context is checked
// between chunks only.
func (s *Sampler) Prerun(ctx context.Context) error {
	for {
		effs, err := s.runChunk(ctx, StagePrerun, s.cfg.StorePrerun)
		if err != nil {
			return err
		}
		s.converged = s.checkConvergence(effs)
		done := s.converged && s.iterations >= s.cfg.IterationsMin
		switch {
		case done:
			log.Noticef("Prerun converged after %d iterations", s.iterations)
		case s.iterations >= s.cfg.IterationsMax:
			log.Warningf("Prerun did not converge after %d iterations, efficiencies %v", s.iterations, effs)
			done = true
		default:
			for i, c := range s.chains {
				c.Proposal().Adapt(s.last[i], effs[i], s.cfg.MinEfficiency, s.cfg.MaxEfficiency)
			}
		}
		// chains are recorded after the adaptation, a resumed prerun
		// continues with the next chunk
		if err := s.recordChains(StagePrerun); err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Run performs iterations in chunks of IterationsUpdate. The
// proposals are fixed unless GlobalLocal.Adapt is set, then global-local
// proposals adapt after every chunk.
func (s *Sampler) Run(ctx context.Context, iterations int) error {
	done := 0
	for done < iterations {
		n := s.cfg.IterationsUpdate
		if iterations-done < n {
			n = iterations - done
		}
		effs, err := s.runChunkOf(ctx, n, StageMain, true)
		if err != nil {
			return err
		}
		if s.cfg.GlobalLocal.Adapt {
			for i, c := range s.chains {
				if gl, ok := c.Proposal().(*GlobalLocal); ok {
					gl.Adapt(s.last[i], effs[i], s.cfg.MinEfficiency, s.cfg.MaxEfficiency)
				}
			}
		}
		if err := s.recordChains(StageMain); err != nil {
			return err
		}
		done += n
	}
	log.Noticef("Main run finished after %d iterations", done)
	return nil
}

func (s *Sampler) runChunk(ctx context.Context, stage string, store bool) ([]float64, error) {
	return s.runChunkOf(ctx, s.cfg.IterationsUpdate, stage, store)
}

// runChunkOf runs n iterations of all the chains in parallel and
// records the results. It returns the efficiencies within the chunk.
func (s *Sampler) runChunkOf(ctx context.Context, n int, stage string, store bool) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	before := make([]Stats, len(s.chains))
	for i, c := range s.chains {
		before[i] = c.Stats()
	}
	workers := s.cfg.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, c := range s.chains {
		c := c
		g.Go(func() error {
			c.ClearHistory()
			c.Run(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.iterations += n

	effs := make([]float64, len(s.chains))
	s.last = make([]History, len(s.chains))
	for i, c := range s.chains {
		st := c.Stats()
		effs[i] = float64(st.IterationsAccepted-before[i].IterationsAccepted) /
			float64(st.IterationsTotal-before[i].IterationsTotal)
		s.last[i] = c.History()
		log.Debugf("Chain %d: efficiency %.3f, mode %g", i, effs[i], st.Mode.LogPosterior)
		if s.recorder == nil || !store {
			continue
		}
		if err := s.recorder.RecordStates(stage, i, s.last[i]); err != nil {
			return nil, errors.Wrapf(err, "recording chain %d", i)
		}
	}
	return effs, nil
}

func (s *Sampler) recordChains(stage string) error {
	if s.recorder == nil {
		return nil
	}
	for i, c := range s.chains {
		if err := s.recorder.RecordChain(stage, i, c); err != nil {
			return errors.Wrapf(err, "recording chain %d", i)
		}
	}
	return nil
}

// checkConvergence checks the efficiencies and the R-values of every
// partition with more than one chain.
func (s *Sampler) checkConvergence(effs []float64) bool {
	converged := true
	for i, eff := range effs {
		if eff < s.cfg.MinEfficiency || eff > s.cfg.MaxEfficiency {
			log.Infof("Chain %d: efficiency %.3f outside of [%v, %v]", i, eff, s.cfg.MinEfficiency, s.cfg.MaxEfficiency)
			converged = false
		}
	}
	for p := 0; p < s.partitions; p++ {
		var hs []History
		for i, h := range s.last {
			if s.partitionOf[i] == p {
				hs = append(hs, h)
			}
		}
		if len(hs) < 2 {
			continue
		}
		rs, err := RValues(hs, s.cfg.SkipInitial, s.cfg.StrictRValue)
		if err != nil {
			log.Warningf("Partition %d: %v", p, err)
			converged = false
			continue
		}
		for _, r := range rs {
			if r >= s.cfg.RValueCriterion {
				log.Infof("Partition %d: R-values %v", p, rs)
				converged = false
				break
			}
		}
	}
	return converged
}

// UseGlobalLocal replaces the proposals with a global-local proposal
// built from the last chunk of every chain. The chains are clustered
// by R-value, every chain uses the local proposal of its cluster.
// Partition restrictions are lifted so that chains can jump between
// regions.
func (s *Sampler) UseGlobalLocal() (*GlobalLocal, error) {
	if len(s.last) != len(s.chains) {
		return nil, errors.New("global-local proposal requires a prerun")
	}
	proposals := make([]*Multivariate, len(s.chains))
	for i, c := range s.chains {
		m, ok := c.Proposal().(*Multivariate)
		if !ok {
			return nil, errors.Errorf("chain %d doesn't use a multivariate proposal", i)
		}
		proposals[i] = m
	}
	gl, err := NewGlobalLocal(s.cfg.GlobalLocal, s.last, proposals)
	if err != nil {
		return nil, err
	}
	for k, g := range gl.Groups() {
		for _, i := range g {
			p, err := gl.ForComponent(k)
			if err != nil {
				return nil, err
			}
			if err := s.chains[i].SetProposal(p); err != nil {
				return nil, err
			}
			if err := s.chains[i].SetAnalysis(s.analysis); err != nil {
				return nil, err
			}
		}
	}
	return gl, nil
}

// Resume restores every chain from a checkpoint. The histories are
// used as the last chunk, for example to build a global-local
// proposal.
func (s *Sampler) Resume(cps []*Checkpoint, histories []History, iterations int, converged bool) error {
	if len(cps) != len(s.chains) {
		return errors.Errorf("%d checkpoints for %d chains", len(cps), len(s.chains))
	}
	for i, c := range s.chains {
		if err := c.Resume(cps[i]); err != nil {
			return errors.Wrapf(err, "resuming chain %d", i)
		}
	}
	s.last = histories
	s.iterations = iterations
	s.converged = converged
	log.Infof("Resumed %d chains after %d iterations", len(s.chains), iterations)
	return nil
}

// ResumeMain restores the chains of an interrupted main run from
// their checkpoints, which carry the global-local proposals. The
// partition restrictions are lifted as in UseGlobalLocal.
func (s *Sampler) ResumeMain(cps []*Checkpoint) error {
	if len(cps) != len(s.chains) {
		return errors.Errorf("%d checkpoints for %d chains", len(cps), len(s.chains))
	}
	for i, c := range s.chains {
		if err := c.Resume(cps[i]); err != nil {
			return errors.Wrapf(err, "resuming chain %d", i)
		}
		if err := c.SetAnalysis(s.analysis); err != nil {
			return errors.Wrapf(err, "chain %d", i)
		}
	}
	log.Infof("Resumed the main run of %d chains", len(s.chains))
	return nil
}
