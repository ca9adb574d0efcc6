// Package pmc implements Population Monte Carlo: adaptive importance
// sampling with a mixture density updated by the Rao-Blackwellized
// EM algorithm of Cappé et al. (2008).
package pmc

import (
	"context"
	"math"
	"math/rand/v2"
	"runtime"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"golang.org/x/sync/errgroup"

	"github.com/bayesfit/bayesfit/analysis"
	"github.com/bayesfit/bayesfit/dist"
	"github.com/bayesfit/bayesfit/mcmc"
)

// log is the global logging variable.
var log = logging.MustGetLogger("pmc")

var (
	// ErrDimension is returned when a mixture doesn't match the
	// analysis.
	ErrDimension = errors.New("dimension mismatch")
	// ErrDegenerateBatch is returned when all the importance
	// weights of a batch are zero.
	ErrDegenerateBatch = errors.New("degenerate batch, all weights are zero")
)

// minComponentWeight is the weight below which the update drops a
// component.
const minComponentWeight = 1e-10

// Config contains settings of the sampler.
type Config struct {
	// ChunkSize is the number of samples per step.
	ChunkSize int `yaml:"chunk_size"`
	// MaxSteps is the maximum number of adaptation steps.
	MaxSteps int `yaml:"max_steps"`
	// FinalChunkSize is the number of samples drawn after
	// adaptation.
	FinalChunkSize int `yaml:"final_chunk_size"`
	// PerplexityThreshold and ESSThreshold: if both normalized
	// perplexity and effective sample size exceed them, the sampler
	// converged.
	PerplexityThreshold float64 `yaml:"perplexity_threshold"`
	ESSThreshold        float64 `yaml:"ess_threshold"`
	// MinSteps is the number of recent steps checked otherwise.
	// All of them need perplexity and effective sample size of at
	// least MinMean, and the relative standard deviation of the
	// evidence must not exceed MaxRelStd.
	MinSteps  int     `yaml:"min_steps"`
	MinMean   float64 `yaml:"min_mean"`
	MaxRelStd float64 `yaml:"max_rel_std"`
	// ClusterEvery is the number of steps between clustering of
	// the components. Zero disables clustering.
	ClusterEvery int `yaml:"cluster_every"`
	// ClusterRValue is the R-value below which two components are
	// merged.
	ClusterRValue float64 `yaml:"cluster_rvalue"`
	// ClusterMinWeight is the weight below which clustering drops
	// a component.
	ClusterMinWeight float64 `yaml:"cluster_min_weight"`
	// SubBatchSize is the number of samples drawn by one worker.
	SubBatchSize int `yaml:"sub_batch_size"`
	// Workers is the number of parallel workers, GOMAXPROCS if
	// zero.
	Workers int `yaml:"workers"`
	// DegenerateLimit is the number of degenerate batches after
	// which the run fails.
	DegenerateLimit int `yaml:"degenerate_limit"`
	// Seed is the base seed of the random sources.
	Seed int64 `yaml:"-"`

	Init InitConfig `yaml:"init"`
}

// NewConfig returns the default settings.
func NewConfig() Config {
	return Config{
		ChunkSize:           10000,
		MaxSteps:            10,
		FinalChunkSize:      20000,
		PerplexityThreshold: 0.92,
		ESSThreshold:        0.92,
		MinSteps:            3,
		MinMean:             0.1,
		MaxRelStd:           0.01,
		ClusterEvery:        3,
		ClusterRValue:       1.1,
		ClusterMinWeight:    1e-3,
		SubBatchSize:        1000,
		DegenerateLimit:     3,
		Init:                NewInitConfig(),
	}
}

func (cfg Config) validate() error {
	switch {
	case cfg.ChunkSize < 2 || cfg.FinalChunkSize < 2:
		return errors.New("chunk sizes must be at least 2")
	case cfg.SubBatchSize < 1:
		return errors.Errorf("sub-batch size must be positive, got %d", cfg.SubBatchSize)
	case cfg.MinSteps < 2:
		return errors.Errorf("minimum steps must be at least 2, got %d", cfg.MinSteps)
	case cfg.DegenerateLimit < 1:
		return errors.Errorf("degenerate limit must be positive, got %d", cfg.DegenerateLimit)
	}
	return nil
}

// Sample is a point drawn from the mixture.
type Sample struct {
	Point []float64
	// Component generated the point.
	Component    int
	LogPosterior float64
	// LogDensity is the mixture log-density.
	LogDensity float64
	LogWeight  float64
	// components are log(weight·density) of every component
	components []float64
}

// Row returns the sample as a table row: point, log-posterior and
// log-weight.
func (s Sample) Row() []float64 {
	r := make([]float64, 0, len(s.Point)+2)
	r = append(r, s.Point...)
	return append(r, s.LogPosterior, s.LogWeight)
}

// Statistics are the diagnostics of one batch.
type Statistics struct {
	Step int `json:"step"`
	// Perplexity is exp(entropy of the normalized weights) divided
	// by the number of samples.
	Perplexity float64 `json:"perplexity"`
	// ESS is the effective sample size divided by the number of
	// samples.
	ESS float64 `json:"ess"`
	// Evidence is the mean importance weight.
	Evidence      float64 `json:"evidence"`
	EvidenceError float64 `json:"evidenceError"`
	Components    int     `json:"components"`
	// Draws is the number of batches drawn so far, degenerate ones
	// included.
	Draws int `json:"draws"`
}

// Row returns perplexity, effective sample size, evidence and its
// error.
func (s Statistics) Row() []float64 {
	return []float64{s.Perplexity, s.ESS, s.Evidence, s.EvidenceError}
}

// Recorder receives the output of the sampler.
type Recorder interface {
	// RecordStep saves the mixture after the update together with
	// the samples and statistics of the step.
	RecordStep(step int, m *Mixture, samples []Sample, st Statistics) error
	// RecordFinal saves the final mixture and samples.
	RecordFinal(m *Mixture, samples []Sample, st Statistics) error
}

// Sampler is the Population Monte Carlo sampler. It owns the current
// mixture and the previous one.
type Sampler struct {
	analysis   *analysis.Analysis
	cfg        Config
	mixture    *Mixture
	previous   *Mixture
	step       int
	statistics []Statistics
	converged  bool
	degenerate int
	// draws numbers the batches, every batch gets fresh random
	// streams
	draws    int
	recorder Recorder
}

// NewSampler creates a sampler starting from a mixture.
func NewSampler(a *analysis.Analysis, m *Mixture, cfg Config) (*Sampler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if m.Dim() != a.Dim() {
		return nil, errors.Wrapf(ErrDimension, "mixture has %d dimensions, analysis has %d", m.Dim(), a.Dim())
	}
	return &Sampler{
		analysis: a.Clone(),
		cfg:      cfg,
		mixture:  m.Clone(),
	}, nil
}

// SetRecorder sets the recorder, nil disables recording.
func (s *Sampler) SetRecorder(r Recorder) {
	s.recorder = r
}

// Continue makes the sampler draw batches following those of a
// stored step, so that a run started from it doesn't repeat its
// random streams.
func (s *Sampler) Continue(st Statistics) {
	if st.Draws > s.draws {
		s.draws = st.Draws
	}
}

// Draws returns the number of batches drawn so far.
func (s *Sampler) Draws() int {
	return s.draws
}

// Mixture returns the current mixture.
func (s *Sampler) Mixture() *Mixture {
	return s.mixture
}

// Previous returns the mixture before the last update, nil before
// the first step.
func (s *Sampler) Previous() *Mixture {
	return s.previous
}

// Statistics returns the statistics of all the steps.
func (s *Sampler) Statistics() []Statistics {
	return s.statistics
}

// Converged reports whether the convergence criteria were met.
func (s *Sampler) Converged() bool {
	return s.converged
}

// Steps returns the number of completed steps.
func (s *Sampler) Steps() int {
	return s.step
}

// Run performs steps until convergence or MaxSteps and draws the
// final batch. Degenerate batches are discarded, the run fails after
// DegenerateLimit of them. Failing to converge is not an error.
func (s *Sampler) Run(ctx context.Context) ([]Sample, Statistics, error) {
	for s.step < s.cfg.MaxSteps && !s.converged {
		st, err := s.Step(ctx)
		if errors.Cause(err) == ErrDegenerateBatch {
			s.degenerate++
			log.Warningf("Step %d: %v (%d of %d)", s.step, err, s.degenerate, s.cfg.DegenerateLimit)
			if s.degenerate >= s.cfg.DegenerateLimit {
				return nil, Statistics{}, errors.Wrapf(ErrDegenerateBatch, "%d degenerate batches, mixture failed", s.degenerate)
			}
			continue
		}
		if err != nil {
			return nil, Statistics{}, err
		}
		log.Noticef("Step %d: perplexity %.4f, ESS %.4f, evidence %g ± %g, %d components",
			st.Step, st.Perplexity, st.ESS, st.Evidence, st.EvidenceError, st.Components)
	}
	if !s.converged {
		if n := len(s.statistics); n > 0 {
			st := s.statistics[n-1]
			log.Warningf("Not converged after %d steps: perplexity %.4f, ESS %.4f", s.step, st.Perplexity, st.ESS)
		} else {
			log.Warningf("Not converged after %d steps", s.step)
		}
	}
	return s.Final(ctx)
}

// Step draws a batch, updates the mixture and checks convergence.
// A degenerate batch leaves the sampler unchanged and returns
// ErrDegenerateBatch.
func (s *Sampler) Step(ctx context.Context) (Statistics, error) {
	samples, err := s.draw(ctx, s.mixture, s.cfg.ChunkSize)
	if err != nil {
		return Statistics{}, err
	}
	normalized, st, err := diagnostics(samples)
	if err != nil {
		return Statistics{}, errors.Wrapf(err, "step %d", s.step)
	}
	next := update(s.mixture, samples, normalized)
	s.step++
	if s.cfg.ClusterEvery > 0 && s.step%s.cfg.ClusterEvery == 0 {
		next = s.cluster(next, samples, normalized)
	}
	st.Step = s.step
	st.Components = next.Len()
	st.Draws = s.draws
	s.previous, s.mixture = s.mixture, next
	s.statistics = append(s.statistics, st)
	s.converged = s.checkConvergence()
	if s.recorder != nil {
		if err := s.recorder.RecordStep(s.step, s.mixture, samples, st); err != nil {
			return st, errors.Wrapf(err, "recording step %d", s.step)
		}
	}
	return st, nil
}

// Final draws FinalChunkSize samples from the current mixture without
// adaptation.
func (s *Sampler) Final(ctx context.Context) ([]Sample, Statistics, error) {
	samples, err := s.draw(ctx, s.mixture, s.cfg.FinalChunkSize)
	if err != nil {
		return nil, Statistics{}, err
	}
	_, st, err := diagnostics(samples)
	if err != nil {
		return nil, Statistics{}, errors.Wrap(err, "final batch")
	}
	st.Step = s.step
	st.Components = s.mixture.Len()
	st.Draws = s.draws
	log.Noticef("Final batch: perplexity %.4f, ESS %.4f, evidence %g ± %g", st.Perplexity, st.ESS, st.Evidence, st.EvidenceError)
	if s.recorder != nil {
		if err := s.recorder.RecordFinal(s.mixture, samples, st); err != nil {
			return nil, st, errors.Wrap(err, "recording final batch")
		}
	}
	return samples, st, nil
}

// draw draws n samples in parallel sub-batches. Every sub-batch has
// its own random source seeded from the seed, the batch number and the
// sub-batch index, and its own copy of the analysis.
func (s *Sampler) draw(ctx context.Context, m *Mixture, n int) ([]Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batchID := s.draws
	s.draws++
	samples := make([]Sample, n)
	workers := s.cfg.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for start, b := 0, 0; start < n; start, b = start+s.cfg.SubBatchSize, b+1 {
		end := start + s.cfg.SubBatchSize
		if end > n {
			end = n
		}
		batch := samples[start:end]
		stream := uint64(uint32(batchID))<<32 | uint64(b)
		g.Go(func() error {
			r := rand.New(rand.NewPCG(uint64(s.cfg.Seed), stream))
			drawBatch(s.analysis.Clone(), m, r, batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return samples, nil
}

// drawBatch fills the samples. Points outside of the parameter
// ranges and failed evaluations get zero weight.
func drawBatch(a *analysis.Analysis, m *Mixture, r *rand.Rand, samples []Sample) {
	for i := range samples {
		x, k := m.Draw(r, nil)
		comps, logq := m.ComponentLogDensities(x, nil)
		logp := math.Inf(-1)
		if a.InRange(x) {
			e, err := a.LogPosterior(x)
			if err == nil {
				logp = e.LogPosterior
			} else {
				log.Debugf("Zero weight at %v: %v", x, err)
			}
		}
		samples[i] = Sample{
			Point:        x,
			Component:    k,
			LogPosterior: logp,
			LogDensity:   logq,
			LogWeight:    logp - logq,
			components:   comps,
		}
	}
}

// diagnostics returns the normalized weights and the statistics of a
// batch.
func diagnostics(samples []Sample) ([]float64, Statistics, error) {
	n := float64(len(samples))
	logw := make([]float64, len(samples))
	for i, s := range samples {
		logw[i] = s.LogWeight
		if math.IsNaN(logw[i]) || math.IsInf(logw[i], 1) {
			logw[i] = math.Inf(-1)
		}
	}
	total := dist.LogSumExp(logw)
	if math.IsInf(total, -1) || math.IsNaN(total) {
		return nil, Statistics{}, ErrDegenerateBatch
	}
	normalized := make([]float64, len(samples))
	entropy, sum2 := 0.0, 0.0
	for i, l := range logw {
		w := math.Exp(l - total)
		normalized[i] = w
		if w > 0 {
			entropy -= w * math.Log(w)
		}
		sum2 += w * w
	}
	// weights relative to the largest one
	max := floats.Max(logw)
	scaled := make([]float64, len(logw))
	for i, l := range logw {
		scaled[i] = math.Exp(l - max)
	}
	mean, std := stat.MeanStdDev(scaled, nil)
	st := Statistics{
		Perplexity:    math.Exp(entropy) / n,
		ESS:           1 / sum2 / n,
		Evidence:      math.Exp(total - math.Log(n)),
		EvidenceError: math.Exp(max) * std / math.Sqrt(n),
	}
	if mean <= 0 {
		return nil, Statistics{}, ErrDegenerateBatch
	}
	return normalized, st, nil
}

// update performs one Rao-Blackwellized EM step. Components whose
// weight vanishes are dropped. A component whose new covariance is not
// positive-definite keeps the old covariance with the new mean.
func update(m *Mixture, samples []Sample, normalized []float64) *Mixture {
	d := m.Dim()
	var next []*Component
	diff := make([]float64, d)
	for k := 0; k < m.Len(); k++ {
		c := m.Component(k)
		dof := c.mv.Dof
		// responsibilities times normalized weights
		rw := make([]float64, len(samples))
		alpha := 0.0
		for i, s := range samples {
			if normalized[i] == 0 {
				continue
			}
			rw[i] = normalized[i] * math.Exp(s.components[k]-s.LogDensity)
			alpha += rw[i]
		}
		if alpha < minComponentWeight {
			log.Infof("Dropping component %d with weight %g", k, alpha)
			continue
		}

		gamma := make([]float64, len(samples))
		mean := make([]float64, d)
		norm := 0.0
		for i, s := range samples {
			if rw[i] == 0 {
				continue
			}
			gamma[i] = 1
			if dof > 0 {
				gamma[i] = (dof + float64(d)) / (dof + c.Chi2(s.Point))
			}
			floats.AddScaled(mean, rw[i]*gamma[i], s.Point)
			norm += rw[i] * gamma[i]
		}
		floats.Scale(1/norm, mean)
		cov := mat.NewSymDense(d, nil)
		for i, s := range samples {
			if rw[i] == 0 {
				continue
			}
			floats.SubTo(diff, s.Point, mean)
			cov.SymRankOne(cov, rw[i]*gamma[i]/alpha, mat.NewVecDense(d, diff))
		}

		nc, err := NewComponent(alpha, mean, cov, dof)
		if err != nil {
			log.Warningf("Component %d: %v, keeping the previous covariance", k, err)
			if nc, err = NewComponent(alpha, mean, c.mv.Covariance(), dof); err != nil {
				log.Warningf("Dropping component %d: %v", k, err)
				continue
			}
		}
		next = append(next, nc)
	}
	if len(next) == 0 {
		log.Warning("All components vanished, keeping the mixture")
		return m.Clone()
	}
	// cannot fail, dimensions are equal
	mix, _ := NewMixture(next)
	return mix
}

// checkConvergence checks the last statistics.
func (s *Sampler) checkConvergence() bool {
	n := len(s.statistics)
	last := s.statistics[n-1]
	if last.Perplexity > s.cfg.PerplexityThreshold && last.ESS > s.cfg.ESSThreshold {
		log.Noticef("Converged: perplexity %.4f and ESS %.4f above thresholds", last.Perplexity, last.ESS)
		return true
	}
	if n < s.cfg.MinSteps {
		return false
	}
	recent := s.statistics[n-s.cfg.MinSteps:]
	evidence := make([]float64, len(recent))
	for i, st := range recent {
		if st.Perplexity < s.cfg.MinMean || st.ESS < s.cfg.MinMean {
			return false
		}
		evidence[i] = st.Evidence
	}
	mean, std := stat.MeanStdDev(evidence, nil)
	if std/mean > s.cfg.MaxRelStd {
		log.Infof("Relative standard deviation of the evidence %.4f", std/mean)
		return false
	}
	log.Noticef("Converged: stable evidence over %d steps", len(recent))
	return true
}

// cluster merges components which describe the same region and drops
// components with small weight. Two components are merged if the
// R-value of the samples attributed to them is below ClusterRValue.
func (s *Sampler) cluster(m *Mixture, samples []Sample, normalized []float64) *Mixture {
	type group struct {
		components []*Component
		means      []float64
		variances  []float64
		n          float64
		weights    []float64
	}
	d := m.Dim()
	// responsibilities of the updated components times the weights
	attributed := make([][]float64, m.Len())
	for k := range attributed {
		attributed[k] = make([]float64, len(samples))
	}
	comps := make([]float64, m.Len())
	for i, smp := range samples {
		if normalized[i] == 0 {
			continue
		}
		_, logq := m.ComponentLogDensities(smp.Point, comps)
		for k, l := range comps {
			attributed[k][i] = normalized[i] * math.Exp(l-logq)
		}
	}
	var groups []*group
	for k := 0; k < m.Len(); k++ {
		w := attributed[k]
		g := &group{components: []*Component{m.Component(k)}, weights: w}
		g.means, g.variances, g.n = attributedMoments(samples, w, d)
		groups = append(groups, g)
	}

	for merged := true; merged; {
		merged = false
	Pairs:
		for i := 0; i < len(groups); i++ {
			for j := i + 1; j < len(groups); j++ {
				if !s.sameRegion(groups[i].means, groups[i].variances, groups[i].n,
					groups[j].means, groups[j].variances, groups[j].n) {
					continue
				}
				gi, gj := groups[i], groups[j]
				gi.components = append(gi.components, gj.components...)
				floats.Add(gi.weights, gj.weights)
				gi.means, gi.variances, gi.n = attributedMoments(samples, gi.weights, d)
				groups = append(groups[:j], groups[j+1:]...)
				merged = true
				break Pairs
			}
		}
	}

	var out []*Component
	for _, g := range groups {
		c := g.components[0]
		if len(g.components) > 1 {
			mc, err := mergeComponents(g.components, c.mv.Dof)
			if err != nil {
				log.Warningf("Cannot merge components: %v", err)
				out = append(out, g.components...)
				continue
			}
			log.Infof("Merged %d components", len(g.components))
			c = mc
		}
		out = append(out, c)
	}
	var live []*Component
	for _, c := range out {
		if c.Weight >= s.cfg.ClusterMinWeight {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return m
	}
	if dropped := len(out) - len(live); dropped > 0 {
		log.Infof("Dropped %d components with weight below %g", dropped, s.cfg.ClusterMinWeight)
	}
	mix, _ := NewMixture(live)
	return mix
}

// sameRegion checks the R-value of every parameter.
func (s *Sampler) sameRegion(m1, v1 []float64, n1 float64, m2, v2 []float64, n2 float64) bool {
	n := int(math.Min(n1, n2))
	if n < 2 {
		return false
	}
	for p := range m1 {
		r, err := mcmc.RValue([]float64{m1[p], m2[p]}, []float64{v1[p], v2[p]}, n, false)
		if err != nil || r >= s.cfg.ClusterRValue {
			return false
		}
	}
	return true
}

// attributedMoments returns the weighted mean and variance of every
// coordinate and the effective number of samples.
func attributedMoments(samples []Sample, w []float64, d int) (mean, variance []float64, n float64) {
	mean = make([]float64, d)
	variance = make([]float64, d)
	sum, sum2 := floats.Sum(w), 0.0
	if sum <= 0 {
		return mean, variance, 0
	}
	for _, x := range w {
		sum2 += x * x
	}
	for i, smp := range samples {
		if w[i] > 0 {
			floats.AddScaled(mean, w[i]/sum, smp.Point)
		}
	}
	for i, smp := range samples {
		if w[i] == 0 {
			continue
		}
		for p, x := range smp.Point {
			variance[p] += w[i] / sum * (x - mean[p]) * (x - mean[p])
		}
	}
	return mean, variance, sum * sum / sum2
}
