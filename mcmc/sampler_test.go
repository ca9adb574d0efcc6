package mcmc

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/bayesfit/bayesfit/analysis"
	"github.com/bayesfit/bayesfit/likelihood"
)

// memoryRecorder keeps the number of recorded states.
type memoryRecorder struct {
	states map[string]int
	chains map[string]int
}

func newMemoryRecorder() *memoryRecorder {
	return &memoryRecorder{states: map[string]int{}, chains: map[string]int{}}
}

func (r *memoryRecorder) RecordStates(stage string, chain int, h History) error {
	r.states[stage] += len(h)
	return nil
}

func (r *memoryRecorder) RecordChain(stage string, chain int, c *Chain) error {
	r.chains[stage]++
	return nil
}

func newBimodalAnalysis(tst *testing.T) *analysis.Analysis {
	l, err := likelihood.NewMixture(
		likelihood.Mode{Weight: 1, Mean: []float64{-10}, Sigma: []float64{1}},
		likelihood.Mode{Weight: 1, Mean: []float64{10}, Sigma: []float64{1}},
	)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	p, _ := analysis.NewFlat(-20, 20)
	a, err := analysis.New(l, analysis.Parameters{{Name: "x", Prior: p}})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	return a
}

func bimodalPartitions() []Partition {
	return []Partition{
		{{Parameter: "x", Min: -20, Max: 0}},
		{{Parameter: "x", Min: 0, Max: 20}},
	}
}

func TestSamplerPartitions(tst *testing.T) {
	a := newBimodalAnalysis(tst)
	cfg := NewConfig()
	cfg.Seed = 10
	cfg.IterationsUpdate = 500
	cfg.IterationsMax = 50000
	s, err := NewSampler(a, cfg, bimodalPartitions())
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	rec := newMemoryRecorder()
	s.SetRecorder(rec)
	if err := s.Prerun(context.Background()); err != nil {
		tst.Fatal("Error: ", err)
	}
	if len(s.Chains()) != 4 {
		tst.Fatal("Incorrect number of chains: ", len(s.Chains()))
	}
	if !s.Converged() {
		tst.Error("Prerun didn't converge")
	}
	if s.Iterations() < cfg.IterationsMin || s.Iterations() > cfg.IterationsMax {
		tst.Error("Incorrect number of iterations: ", s.Iterations())
	}
	if rec.states[StagePrerun] != 4*s.Iterations() {
		tst.Error("Incorrect number of recorded states: ", rec.states[StagePrerun])
	}
	for i, c := range s.Chains() {
		st := c.Stats()
		if st.IterationsTotal != s.Iterations() {
			tst.Error("Incorrect chain iterations: ", st.IterationsTotal)
		}
		mode := -10.0
		if s.Partition(i) == 1 {
			mode = 10
		}
		if !appreq(st.Mean[0], mode, 0.3) {
			tst.Errorf("Chain %d in partition %d has mean %v", i, s.Partition(i), st.Mean[0])
		}
	}

	gl, err := s.UseGlobalLocal()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if gl.Components() != 2 {
		tst.Fatal("Incorrect number of components: ", gl.Components())
	}
	if err := s.Run(context.Background(), 4000); err != nil {
		tst.Fatal("Error: ", err)
	}
	if rec.states[StageMain] != 4*4000 {
		tst.Error("Incorrect number of recorded main states: ", rec.states[StageMain])
	}
	for i, c := range s.Chains() {
		left, right := 0, 0
		for _, st := range c.History() {
			if st.Point[0] < 0 {
				left++
			} else {
				right++
			}
		}
		if left == 0 || right == 0 {
			tst.Errorf("Chain %d didn't visit both modes: %d, %d", i, left, right)
		}
		if p := c.Proposal().(*GlobalLocal); p.Snapshot().Adaptations != 0 {
			tst.Errorf("Chain %d adapted its proposal in the main run", i)
		}
	}
}

func TestMainRunAdaptation(tst *testing.T) {
	a := newBimodalAnalysis(tst)
	cfg := NewConfig()
	cfg.Seed = 10
	cfg.IterationsUpdate = 500
	cfg.IterationsMax = 50000
	cfg.GlobalLocal.Adapt = true
	s, err := NewSampler(a, cfg, bimodalPartitions())
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if err := s.Prerun(context.Background()); err != nil {
		tst.Fatal("Error: ", err)
	}
	if _, err := s.UseGlobalLocal(); err != nil {
		tst.Fatal("Error: ", err)
	}
	if err := s.Run(context.Background(), 2000); err != nil {
		tst.Fatal("Error: ", err)
	}
	for i, c := range s.Chains() {
		p, ok := c.Proposal().(*GlobalLocal)
		if !ok {
			tst.Fatalf("Chain %d lost the global-local proposal", i)
		}
		if n := p.Snapshot().Adaptations; n != 4 {
			tst.Errorf("Chain %d: %d adaptations, expected 4", i, n)
		}
		probs := p.Probabilities()
		if !appreq(probs[0]+probs[1], 1, 1e-12) || probs[0] <= 0 || probs[1] <= 0 {
			tst.Errorf("Chain %d: incorrect probabilities %v", i, probs)
		}
	}
}

func TestSamplerDeterminism(tst *testing.T) {
	a := newGaussAnalysis(tst, 0, 1, -10, 10)
	cfg := NewConfig()
	cfg.Seed = 3
	cfg.IterationsMax = 5000
	cfg.Workers = 1
	s1, err := NewSampler(a, cfg, nil)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	cfg.Workers = 3
	s2, err := NewSampler(a, cfg, nil)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if err := s1.Prerun(context.Background()); err != nil {
		tst.Fatal("Error: ", err)
	}
	if err := s2.Prerun(context.Background()); err != nil {
		tst.Fatal("Error: ", err)
	}
	if s1.Iterations() != s2.Iterations() {
		tst.Fatal("Different number of iterations")
	}
	for i := range s1.Chains() {
		h1, h2 := s1.Histories()[i], s2.Histories()[i]
		for j := range h1 {
			if h1[j].Point[0] != h2[j].Point[0] {
				tst.Fatalf("Chain %d differs at %d", i, j)
			}
		}
	}
}

func TestSamplerErrors(tst *testing.T) {
	a := newBimodalAnalysis(tst)
	cfg := NewConfig()
	if _, err := NewSampler(a, cfg, []Partition{{{Parameter: "y", Min: 0, Max: 1}}}); errors.Cause(err) != analysis.ErrUnknownParameter {
		tst.Error("Unknown parameter accepted: ", err)
	}
	if _, err := NewSampler(a, cfg, []Partition{{{Parameter: "x", Min: 0, Max: 30}}}); errors.Cause(err) != analysis.ErrOutOfRange {
		tst.Error("Partition out of range accepted: ", err)
	}
	bad := cfg
	bad.Proposal = "cauchy"
	if _, err := NewSampler(a, bad, nil); err == nil {
		tst.Error("Unknown proposal accepted")
	}
	bad = cfg
	bad.MinEfficiency = 0.5
	if _, err := NewSampler(a, bad, nil); err == nil {
		tst.Error("Invalid efficiency window accepted")
	}
	bad = cfg
	bad.Start = []float64{1, 2}
	if _, err := NewSampler(a, bad, nil); errors.Cause(err) != ErrDimension {
		tst.Error("Start point with wrong dimension accepted: ", err)
	}

	s, err := NewSampler(a, cfg, nil)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Prerun(ctx); err != context.Canceled {
		tst.Error("Canceled prerun didn't stop: ", err)
	}
	if _, err := s.UseGlobalLocal(); err == nil {
		tst.Error("Global-local proposal built without a prerun")
	}
}
