package mcmc

import (
	"encoding/json"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/bayesfit/bayesfit/analysis"
	"github.com/bayesfit/bayesfit/likelihood"
)

func appreq(a, b, eps float64) bool {
	return math.Abs(a-b) < eps
}

// newGaussAnalysis creates a one-dimensional analysis with a Gaussian
// likelihood and a flat prior on [min, max].
func newGaussAnalysis(tst *testing.T, mean, sigma, min, max float64) *analysis.Analysis {
	l, err := likelihood.NewGaussian(likelihood.Constraint{Name: "x", Mean: mean, Sigma: sigma})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	p, err := analysis.NewFlat(min, max)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	a, err := analysis.New(l, analysis.Parameters{{Name: "x", Value: 0.5 * (min + max), Prior: p}})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	return a
}

func newTestProposal(tst *testing.T, variance ...float64) *Multivariate {
	cov := mat.NewSymDense(len(variance), nil)
	for i, v := range variance {
		cov.SetSym(i, i, v)
	}
	p, err := NewGaussian(cov, false)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	return p
}

func newTestChain(tst *testing.T, a *analysis.Analysis, variance float64, seed int64) *Chain {
	c, err := NewChain(a, newTestProposal(tst, variance), seed, nil)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	return c
}

func TestDeterminism(tst *testing.T) {
	a := newGaussAnalysis(tst, 4.2, 0.1, 3, 5)
	c1 := newTestChain(tst, a, 0.04, 42)
	c2 := newTestChain(tst, a, 0.04, 42)
	c1.Run(2000)
	c2.Run(2000)
	h1, h2 := c1.History(), c2.History()
	if len(h1) != 2000 || len(h2) != 2000 {
		tst.Fatal("Incorrect history length: ", len(h1), len(h2))
	}
	for i := range h1 {
		if h1[i].Point[0] != h2[i].Point[0] || h1[i].LogPosterior != h2[i].LogPosterior {
			tst.Fatalf("Histories differ at %d: %v != %v", i, h1[i], h2[i])
		}
	}
	c3 := newTestChain(tst, a, 0.04, 43)
	c3.Run(2000)
	same := true
	for i, s := range c3.History() {
		if s.Point[0] != h1[i].Point[0] {
			same = false
			break
		}
	}
	if same {
		tst.Error("Different seeds give the same history")
	}
}

func TestBookkeeping(tst *testing.T) {
	a := newGaussAnalysis(tst, 0, 1, -5, 5)
	region := &likelihood.Region{
		Likelihood: mustGaussian(tst, 0, 1),
		Min:        []float64{-3},
		Max:        []float64{3},
	}
	p, _ := analysis.NewFlat(-5, 5)
	ar, err := analysis.New(region, analysis.Parameters{{Name: "x", Prior: p}})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	for _, an := range []*analysis.Analysis{a, ar} {
		c := newTestChain(tst, an, 9, 1)
		c.Run(5000)
		st := c.Stats()
		if st.IterationsAccepted+st.IterationsRejected != st.IterationsTotal {
			tst.Errorf("accepted %d + rejected %d != total %d", st.IterationsAccepted, st.IterationsRejected, st.IterationsTotal)
		}
		if st.IterationsTotal != 5000 {
			tst.Error("Incorrect number of iterations: ", st.IterationsTotal)
		}
		if st.IterationsInvalid == 0 || st.IterationsInvalid > st.IterationsRejected {
			tst.Error("Incorrect number of invalid iterations: ", st.IterationsInvalid)
		}
		if c.Phase() != Accepted && c.Phase() != Rejected {
			tst.Error("Incorrect phase: ", c.Phase())
		}
	}
}

func mustGaussian(tst *testing.T, mean, sigma float64) *likelihood.Gaussian {
	l, err := likelihood.NewGaussian(likelihood.Constraint{Mean: mean, Sigma: sigma})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	return l
}

func TestRangeInvariant(tst *testing.T) {
	a := newGaussAnalysis(tst, 0.9, 0.5, 0, 1)
	c := newTestChain(tst, a, 1, 7)
	c.Run(5000)
	for i, s := range c.History() {
		if s.Point[0] < 0 || s.Point[0] > 1 {
			tst.Fatalf("State %d out of range: %v", i, s.Point)
		}
	}
	if c.Stats().IterationsInvalid == 0 {
		tst.Error("No candidate out of range")
	}
}

func TestRunningStatistics(tst *testing.T) {
	a := newGaussAnalysis(tst, 1, 2, -10, 10)
	c := newTestChain(tst, a, 4, 3)
	for i := 0; i < 5; i++ {
		c.Run(777)
		h := c.History()
		xs := make([]float64, len(h))
		ps := make([]float64, len(h))
		for j, s := range h {
			xs[j] = s.Point[0]
			ps[j] = s.LogPosterior
		}
		mean, variance := stat.MeanVariance(xs, nil)
		meanP, varianceP := stat.MeanVariance(ps, nil)
		st := c.Stats()
		if !appreq(st.Mean[0], mean, 1e-10) || !appreq(st.Variance()[0], variance, 1e-10) {
			tst.Errorf("Running statistics %v, %v differ from %v, %v", st.Mean[0], st.Variance()[0], mean, variance)
		}
		if !appreq(st.MeanPosterior, meanP, 1e-10) || !appreq(st.VariancePosterior(), varianceP, 1e-10) {
			tst.Errorf("Running posterior statistics differ")
		}
		if st.Mode.LogPosterior < h.LocalMode().LogPosterior {
			tst.Error("Mode is not the best state")
		}
		rec := Recompute(State{Point: []float64{0}}, h)
		if !appreq(rec.Mean[0], mean, 1e-10) || rec.IterationsTotal != len(h) {
			tst.Error("Recomputed statistics differ")
		}
	}
}

func TestGaussianScenario(tst *testing.T) {
	a := newGaussAnalysis(tst, 4.2, 0.1, 3, 5)
	c, err := NewChain(a, newTestProposal(tst, 0.04), 12345, []float64{4.1})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	for i := 0; i < 100; i++ {
		before := c.Stats()
		c.ClearHistory()
		c.Run(1000)
		st := c.Stats()
		eff := float64(st.IterationsAccepted-before.IterationsAccepted) / 1000
		c.Proposal().Adapt(c.History(), eff, 0.2, 0.35)
	}
	st := c.Stats()
	if eff := st.Efficiency(); eff < 0.2 || eff > 0.35 {
		tst.Error("Efficiency out of [0.2, 0.35]: ", eff)
	}
	if !appreq(st.Mean[0], 4.2, 5e-3) {
		tst.Error("Incorrect mean: ", st.Mean[0])
	}
	if !appreq(math.Sqrt(st.Variance()[0]), 0.1, 5e-3) {
		tst.Error("Incorrect standard deviation: ", math.Sqrt(st.Variance()[0]))
	}
}

func TestResume(tst *testing.T) {
	a := newGaussAnalysis(tst, 0, 1, -10, 10)
	c1 := newTestChain(tst, a, 2, 99)
	c1.Run(300)
	c1.Proposal().Adapt(c1.History(), c1.Stats().Efficiency(), 0.2, 0.35)
	cp, err := c1.Checkpoint()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	b, err := json.Marshal(cp)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	var restored Checkpoint
	if err := json.Unmarshal(b, &restored); err != nil {
		tst.Fatal("Error: ", err)
	}

	c2 := newTestChain(tst, a, 1, 1)
	if err := c2.Resume(&restored); err != nil {
		tst.Fatal("Error: ", err)
	}
	c1.ClearHistory()
	c1.Run(500)
	c2.Run(500)
	h1, h2 := c1.History(), c2.History()
	for i := range h1 {
		if h1[i].Point[0] != h2[i].Point[0] {
			tst.Fatalf("Resumed chain differs at %d", i)
		}
	}
	s1, s2 := c1.Stats(), c2.Stats()
	if s1.IterationsTotal != s2.IterationsTotal || s1.Mean[0] != s2.Mean[0] || s1.Mode.LogPosterior != s2.Mode.LogPosterior {
		tst.Errorf("Resumed statistics differ: %+v != %+v", s1, s2)
	}
}

func TestSetPoint(tst *testing.T) {
	a := newGaussAnalysis(tst, 0, 1, -1, 1)
	c := newTestChain(tst, a, 0.1, 5)
	c.Run(10)
	if err := c.SetPoint([]float64{2}); err == nil {
		tst.Error("Point out of range accepted")
	}
	if err := c.SetPoint([]float64{0.5}); err != nil {
		tst.Fatal("Error: ", err)
	}
	if c.Current().Point[0] != 0.5 || c.Phase() != Initialized || len(c.History()) != 10 {
		tst.Error("Incorrect state after SetPoint")
	}
	if _, err := NewChain(a, newTestProposal(tst, 1, 1), 1, nil); err == nil {
		tst.Error("Proposal with wrong dimension accepted")
	}
}

func BenchmarkChain(b *testing.B) {
	l, _ := likelihood.NewGaussian(likelihood.Constraint{Mean: 0, Sigma: 1})
	p, _ := analysis.NewFlat(-10, 10)
	a, _ := analysis.New(l, analysis.Parameters{{Name: "x", Prior: p}})
	cov := mat.NewSymDense(1, []float64{1})
	prop, _ := NewGaussian(cov, false)
	c, _ := NewChain(a, prop, 1, nil)
	c.KeepHistory = false
	b.ResetTimer()
	c.Run(b.N)
}
