package pmc

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/bayesfit/bayesfit/analysis"
	"github.com/bayesfit/bayesfit/dist"
	"github.com/bayesfit/bayesfit/likelihood"
	"github.com/bayesfit/bayesfit/mcmc"
)

// newTwoModes creates the posterior with modes at -10 and 10 with
// weights 1 and w and a flat prior on [-20, 20].
func newTwoModes(tst *testing.T, w float64) *analysis.Analysis {
	l, err := likelihood.NewMixture(
		likelihood.Mode{Weight: 1, Mean: []float64{-10}, Sigma: []float64{1}},
		likelihood.Mode{Weight: w, Mean: []float64{10}, Sigma: []float64{1}},
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

type failing struct{}

func (failing) LogLikelihood(x []float64) (float64, error) {
	return 0, &analysis.EvaluationError{Point: x, Reason: "always fails"}
}

func testConfig() Config {
	cfg := NewConfig()
	cfg.ChunkSize = 5000
	cfg.FinalChunkSize = 20000
	cfg.Seed = 17
	return cfg
}

func checkMixture(tst *testing.T, m *Mixture) {
	sum := 0.0
	for k := 0; k < m.Len(); k++ {
		c := m.Component(k)
		sum += c.Weight
		if _, err := dist.Factorize(c.Covariance()); err != nil {
			tst.Errorf("Component %d: %v", k, err)
		}
	}
	if !appreq(sum, 1, 1e-12) {
		tst.Error("Weights don't sum to one: ", sum)
	}
}

// recorder counts the recorded steps.
type recorder struct {
	steps int
	final int
}

func (r *recorder) RecordStep(step int, m *Mixture, samples []Sample, st Statistics) error {
	r.steps++
	return nil
}

func (r *recorder) RecordFinal(m *Mixture, samples []Sample, st Statistics) error {
	r.final = len(samples)
	return nil
}

func TestTwoModes(tst *testing.T) {
	for _, dof := range []float64{-1, 5} {
		w := 3.0
		a := newTwoModes(tst, w)
		m := newMixture(tst,
			newComponent(tst, 1, []float64{-9}, 2, dof),
			newComponent(tst, 1, []float64{11}, 2, dof),
		)
		s, err := NewSampler(a, m, testConfig())
		if err != nil {
			tst.Fatal("Error: ", err)
		}
		rec := &recorder{}
		s.SetRecorder(rec)
		samples, st, err := s.Run(context.Background())
		if err != nil {
			tst.Fatal("Error: ", err)
		}
		if dof < 0 && !s.Converged() {
			tst.Error("Not converged: ", s.Statistics())
		}
		if st.Perplexity < 0.5 || st.ESS < 0.5 {
			tst.Errorf("Poor final batch: perplexity %v, ESS %v", st.Perplexity, st.ESS)
		}
		evidence := (1 + w) / 40
		if math.Abs(st.Evidence-evidence)/evidence > 0.03 {
			tst.Errorf("Incorrect evidence %v, expected %v", st.Evidence, evidence)
		}
		if st.EvidenceError <= 0 || st.EvidenceError > 0.01*evidence {
			tst.Error("Incorrect evidence error: ", st.EvidenceError)
		}
		checkMixture(tst, s.Mixture())
		weights := s.Mixture().Weights()
		if s.Mixture().Len() != 2 || !appreq(weights[1], w/(1+w), 0.03) {
			tst.Error("Incorrect component weights: ", weights)
		}
		if len(samples) != 20000 || rec.final != 20000 || rec.steps != s.Steps() {
			tst.Error("Incorrect recording: ", len(samples), rec.final, rec.steps)
		}
	}
}

func TestUpdateKeepsMixtureValid(tst *testing.T) {
	a := newTwoModes(tst, 1)
	m := newMixture(tst,
		newComponent(tst, 1, []float64{-15}, 4, -1),
		newComponent(tst, 1, []float64{0}, 9, -1),
		newComponent(tst, 1, []float64{15}, 4, -1),
	)
	cfg := testConfig()
	cfg.ClusterEvery = 0
	s, err := NewSampler(a, m, cfg)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.Step(context.Background()); err != nil {
			tst.Fatal("Error: ", err)
		}
		checkMixture(tst, s.Mixture())
		if s.Previous() == nil || s.Steps() != i+1 {
			tst.Error("Previous mixture not kept")
		}
	}
}

func TestClusterMerges(tst *testing.T) {
	a := newTwoModes(tst, 1)
	m := newMixture(tst,
		newComponent(tst, 1, []float64{-10}, 1, -1),
		newComponent(tst, 1, []float64{10}, 1, -1),
		newComponent(tst, 1, []float64{10}, 1, -1),
	)
	cfg := testConfig()
	cfg.ClusterEvery = 1
	s, err := NewSampler(a, m, cfg)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	st, err := s.Step(context.Background())
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if s.Mixture().Len() != 2 || st.Components != 2 {
		tst.Fatal("Duplicate components not merged: ", s.Mixture().Len())
	}
	checkMixture(tst, s.Mixture())
	if w := s.Mixture().Weights(); !appreq(w[0], 0.5, 0.03) {
		tst.Error("Incorrect weights after merging: ", w)
	}
}

func TestDegenerateBatch(tst *testing.T) {
	p, _ := analysis.NewFlat(-1, 1)
	a, err := analysis.New(failing{}, analysis.Parameters{{Name: "x", Prior: p}})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	m := newMixture(tst, newComponent(tst, 1, []float64{0}, 1, -1))
	cfg := testConfig()
	cfg.ChunkSize = 100
	s, err := NewSampler(a, m, cfg)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if _, err := s.Step(context.Background()); errors.Cause(err) != ErrDegenerateBatch {
		tst.Error("Degenerate batch not detected: ", err)
	}
	if s.Steps() != 0 || s.Previous() != nil {
		tst.Error("Degenerate batch advanced the sampler")
	}
	if _, _, err := s.Run(context.Background()); errors.Cause(err) != ErrDegenerateBatch {
		tst.Error("Repeated degenerate batches not reported: ", err)
	}
}

// flaky fails the evaluations of the first batch, records the points
// it sees and is a standard normal afterwards.
type flaky struct {
	mu     sync.Mutex
	failed int
	points [][]float64
}

func (f *flaky) LogLikelihood(x []float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, append([]float64(nil), x...))
	if f.failed < 10 {
		f.failed++
		return 0, &analysis.EvaluationError{Point: x, Reason: "first batch fails"}
	}
	return -0.5 * x[0] * x[0], nil
}

func TestDegenerateBatchRecovers(tst *testing.T) {
	l := &flaky{}
	p, _ := analysis.NewFlat(-20, 20)
	a, err := analysis.New(l, analysis.Parameters{{Name: "x", Prior: p}})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	m := newMixture(tst, newComponent(tst, 1, []float64{0}, 1, -1))
	cfg := testConfig()
	cfg.Workers = 1
	cfg.ChunkSize = 10
	cfg.FinalChunkSize = 10
	cfg.SubBatchSize = 10
	s, err := NewSampler(a, m, cfg)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if _, err := s.Step(context.Background()); errors.Cause(err) != ErrDegenerateBatch {
		tst.Fatal("Degenerate batch not detected: ", err)
	}
	if _, _, err := s.Run(context.Background()); err != nil {
		tst.Fatal("Error: ", err)
	}
	if !s.Converged() || s.Steps() < 1 {
		tst.Error("Not recovered after a degenerate batch: ", s.Statistics())
	}
	if len(l.points) < 20 {
		tst.Fatal("Too few evaluations: ", len(l.points))
	}
	same := 0
	for i := 0; i < 10; i++ {
		if l.points[i][0] == l.points[10+i][0] {
			same++
		}
	}
	if same > 0 {
		tst.Error("Retry redrew the degenerate batch: ", l.points[:3], l.points[10:13])
	}
	if st := s.Statistics()[0]; st.Draws != 2 || s.Draws() != st.Draws+s.Steps() {
		tst.Error("Incorrect number of draws: ", st.Draws, s.Draws())
	}

	// a sampler continuing a stored step doesn't repeat its streams
	c, err := NewSampler(a, m, cfg)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	c.Continue(s.Statistics()[0])
	if c.Draws() != 2 {
		tst.Error("Draws not continued: ", c.Draws())
	}
}

func TestSamplerDeterminism(tst *testing.T) {
	a := newTwoModes(tst, 2)
	m := newMixture(tst,
		newComponent(tst, 1, []float64{-9}, 2, -1),
		newComponent(tst, 1, []float64{11}, 2, -1),
	)
	var results [][]Sample
	for _, workers := range []int{1, 4} {
		cfg := testConfig()
		cfg.Workers = workers
		cfg.ChunkSize = 2500
		s, err := NewSampler(a, m, cfg)
		if err != nil {
			tst.Fatal("Error: ", err)
		}
		if _, err := s.Step(context.Background()); err != nil {
			tst.Fatal("Error: ", err)
		}
		samples, _, err := s.Final(context.Background())
		if err != nil {
			tst.Fatal("Error: ", err)
		}
		results = append(results, samples)
	}
	for i := range results[0] {
		if results[0][i].Point[0] != results[1][i].Point[0] || results[0][i].LogWeight != results[1][i].LogWeight {
			tst.Fatal("Samples differ at ", i)
		}
	}
	if _, err := NewSampler(a, newMixture(tst, newComponent(tst, 1, []float64{0, 0}, 1, -1)), testConfig()); errors.Cause(err) != ErrDimension {
		tst.Error("Mixture with wrong dimension accepted: ", err)
	}
}

// chainHistory returns n states around mean.
func chainHistory(seed int64, n int, mean float64) mcmc.History {
	r := rand.New(dist.NewSource(seed))
	h := make(mcmc.History, n)
	for i := range h {
		h[i] = mcmc.State{Point: []float64{mean + r.NormFloat64()}}
	}
	return h
}

func TestFromChains(tst *testing.T) {
	a := newTwoModes(tst, 1)
	histories := []mcmc.History{
		chainHistory(1, 2000, -10),
		chainHistory(2, 2000, -10),
		chainHistory(3, 2000, 10),
	}
	cfg := NewInitConfig()
	m, err := FromChains(a, histories, cfg, 1)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	checkMixture(tst, m)
	if m.Len() > 2*cfg.ComponentsPerCluster {
		tst.Error("Too many components: ", m.Len())
	}
	left := 0.0
	for k := 0; k < m.Len(); k++ {
		if c := m.Component(k); c.Mean()[0] < 0 {
			left += c.Weight
			if !appreq(c.Mean()[0], -10, 0.5) {
				tst.Error("Incorrect component mean: ", c.Mean())
			}
		}
	}
	// two of three chains are in the left cluster
	if !appreq(left, 2.0/3, 1e-12) {
		tst.Error("Clusters not weighted by their chains: ", left)
	}

	stored, err := FromRecords(a, m.Records())
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if stored.LogDensity([]float64{-9}) != m.LogDensity([]float64{-9}) {
		tst.Error("Stored mixture differs")
	}
}

func TestFromChainsNuisance(tst *testing.T) {
	l, err := likelihood.NewGaussian(
		likelihood.Constraint{Name: "x", Mean: 0, Sigma: 1},
		likelihood.Constraint{Name: "y", Parameter: 1, Mean: 5, Sigma: 5},
	)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	px, _ := analysis.NewFlat(-20, 20)
	py, _ := analysis.NewFlat(-20, 20)
	a, err := analysis.New(l, analysis.Parameters{
		{Name: "x", Prior: px},
		{Name: "y", Prior: py, Nuisance: true},
	})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	// the chains differ only in the nuisance parameter
	histories := make([]mcmc.History, 2)
	for i := range histories {
		x := chainHistory(int64(1+i), 2000, 0)
		y := chainHistory(int64(5+i), 2000, float64(10*i))
		histories[i] = make(mcmc.History, len(x))
		for j := range x {
			histories[i][j] = mcmc.State{Point: []float64{x[j].Point[0], y[j].Point[0]}}
		}
	}
	cfg := NewInitConfig()
	cfg.ComponentsPerCluster = 1
	m, err := FromChains(a, histories, cfg, 1)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if m.Len() != 1 {
		tst.Error("Chains split by a nuisance parameter: ", m.Len())
	}
	cfg.RValueNoNuisance = false
	if m, err = FromChains(a, histories, cfg, 1); err != nil {
		tst.Fatal("Error: ", err)
	}
	if m.Len() != 2 {
		tst.Error("Chains not split by the nuisance parameter: ", m.Len())
	}
	checkMixture(tst, m)
}

func TestFilterOverlap(tst *testing.T) {
	a := newTwoModes(tst, 1)
	m := newMixture(tst,
		newComponent(tst, 1, []float64{0}, 1, -1),
		newComponent(tst, 1, []float64{30}, 1, -1),
	)
	f, err := FilterOverlap(a, m, 0.5, 1)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if f.Len() != 1 || f.Component(0).Mean()[0] != 0 || f.Component(0).Weight != 1 {
		tst.Error("Component outside of the parameter ranges kept")
	}
	if _, err := FilterOverlap(a, newMixture(tst, newComponent(tst, 1, []float64{30}, 1, -1)), 0.5, 1); err == nil {
		tst.Error("Empty mixture accepted")
	}
}
