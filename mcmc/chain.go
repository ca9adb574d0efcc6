// Package mcmc implements Markov chains with adaptive
// Metropolis-Hastings proposals and the prerun sampler which runs
// several chains until they converge.
package mcmc

import (
	"encoding/json"
	"math"
	"math/rand/v2"

	"github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/bayesfit/bayesfit/analysis"
	"github.com/bayesfit/bayesfit/dist"
)

// log is the global logging variable.
var log = logging.MustGetLogger("mcmc")

// ErrDimension is returned when a proposal or a point doesn't match
// the dimensionality of the analysis.
var ErrDimension = errors.New("dimension mismatch")

// Phase is the state of a chain within an iteration.
type Phase int

const (
	Initialized Phase = iota
	Proposing
	Evaluating
	Accepted
	Rejected
)

func (p Phase) String() string {
	switch p {
	case Initialized:
		return "initialized"
	case Proposing:
		return "proposing"
	case Evaluating:
		return "evaluating"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Chain is a Markov chain sampling the posterior of an analysis with
// the Metropolis-Hastings algorithm. A chain is not safe for
// concurrent use, it owns its analysis copy, history and statistics.
type Chain struct {
	analysis *analysis.Analysis
	proposal Proposal

	src *rand.PCG
	rng *rand.Rand

	current State
	history History
	stats   Stats
	phase   Phase

	// KeepHistory controls whether states are appended to the
	// history. Statistics are always updated.
	KeepHistory bool

	discrete  []int
	candidate []float64
}

// NewChain creates a chain starting at start, or at the current
// parameter values if start is nil. The analysis is cloned.
func NewChain(a *analysis.Analysis, p Proposal, seed int64, start []float64) (*Chain, error) {
	if p.Dim() != a.Dim() {
		return nil, errors.Wrapf(ErrDimension, "proposal has %d dimensions, analysis has %d", p.Dim(), a.Dim())
	}
	src := dist.NewSource(seed)
	c := &Chain{
		analysis:    a.Clone(),
		proposal:    p,
		src:         src,
		rng:         rand.New(src),
		KeepHistory: true,
		candidate:   make([]float64, a.Dim()),
	}
	for i, par := range a.Parameters() {
		if par.Discrete {
			c.discrete = append(c.discrete, i)
		}
	}
	if start == nil {
		start = a.Values()
	}
	if err := c.SetPoint(start); err != nil {
		return nil, err
	}
	return c, nil
}

// SetPoint moves the chain to a point, which is evaluated
// immediately. The history is kept.
func (c *Chain) SetPoint(point []float64) error {
	if len(point) != c.analysis.Dim() {
		return errors.Wrapf(ErrDimension, "point %v", point)
	}
	e, err := c.analysis.LogPosterior(point)
	if err != nil {
		return errors.Wrap(err, "evaluating start point")
	}
	if math.IsInf(e.LogPosterior, -1) {
		return errors.Errorf("posterior is zero at %v", point)
	}
	c.current = newState(point, e)
	c.SetMode(c.current)
	c.phase = Initialized
	return nil
}

// Analysis returns the chain's copy of the analysis.
func (c *Chain) Analysis() *analysis.Analysis {
	return c.analysis
}

// SetAnalysis replaces the analysis, for example to lift the
// restrictions of a partition. The current point must be inside of
// the new ranges, it is not evaluated again.
func (c *Chain) SetAnalysis(a *analysis.Analysis) error {
	if a.Dim() != c.analysis.Dim() {
		return errors.Wrapf(ErrDimension, "analysis has %d dimensions, chain has %d", a.Dim(), c.analysis.Dim())
	}
	if err := a.CheckRange(c.current.Point); err != nil {
		return err
	}
	c.analysis = a.Clone()
	return nil
}

// Current returns the current state.
func (c *Chain) Current() State {
	return c.current
}

// History returns the states since the last reset.
func (c *Chain) History() History {
	return c.history
}

// Stats returns a copy of the statistics.
func (c *Chain) Stats() Stats {
	return c.stats.clone()
}

// Phase returns the phase of the last iteration.
func (c *Chain) Phase() Phase {
	return c.phase
}

// Proposal returns the proposal function.
func (c *Chain) Proposal() Proposal {
	return c.proposal
}

// SetProposal replaces the proposal function.
func (c *Chain) SetProposal(p Proposal) error {
	if p.Dim() != c.analysis.Dim() {
		return errors.Wrapf(ErrDimension, "proposal has %d dimensions, analysis has %d", p.Dim(), c.analysis.Dim())
	}
	c.proposal = p
	return nil
}

// SetMode replaces the mode if s has a higher posterior.
func (c *Chain) SetMode(s State) {
	if c.stats.Mode.Point == nil || s.LogPosterior > c.stats.Mode.LogPosterior {
		c.stats.Mode = s
	}
}

// ClearHistory drops the history.
func (c *Chain) ClearHistory() {
	c.history = nil
}

// Reset drops the history and, unless keepStats is set, the
// statistics. The mode is always kept.
func (c *Chain) Reset(keepStats bool) {
	c.history = nil
	if !keepStats {
		c.stats = Stats{Mode: c.stats.Mode}
	}
}

// Run performs a number of iterations.
func (c *Chain) Run(iterations int) {
	for i := 0; i < iterations; i++ {
		c.step()
	}
}

// step performs one Metropolis-Hastings iteration.
func (c *Chain) step() {
	c.phase = Proposing
	c.stats.IterationsTotal++
	cand := c.proposal.Propose(c.rng, c.current.Point, c.candidate)
	for _, i := range c.discrete {
		cand[i] = math.Round(cand[i])
	}
	u := c.rng.Float64()

	accepted := false
	if c.analysis.InRange(cand) {
		c.phase = Evaluating
		e, err := c.analysis.LogPosterior(cand)
		if err != nil {
			log.Debugf("Rejecting %v: %v", cand, err)
			c.stats.IterationsInvalid++
		} else {
			logR := e.LogPosterior - c.current.LogPosterior +
				c.proposal.Evaluate(c.current.Point, cand) -
				c.proposal.Evaluate(cand, c.current.Point)
			if logR >= 0 || math.Log(u) <= logR {
				c.current = newState(cand, e)
				accepted = true
			}
		}
	} else {
		c.stats.IterationsInvalid++
	}

	if accepted {
		c.phase = Accepted
		c.stats.IterationsAccepted++
	} else {
		c.phase = Rejected
		c.stats.IterationsRejected++
	}
	if c.KeepHistory {
		c.history = append(c.history, c.current)
	}
	c.stats.add(c.current)
}

// RandomState returns the state of the random number generator.
func (c *Chain) RandomState() ([]byte, error) {
	return c.src.MarshalBinary()
}

// SetRandomState restores the state of the random number generator.
func (c *Chain) SetRandomState(b []byte) error {
	return c.src.UnmarshalBinary(b)
}

// Checkpoint is everything needed to continue a chain.
type Checkpoint struct {
	Current  State           `json:"current"`
	Stats    Stats           `json:"stats"`
	Random   []byte          `json:"random"`
	Proposal json.RawMessage `json:"proposal"`
}

// Checkpoint returns the current state of the chain.
func (c *Chain) Checkpoint() (*Checkpoint, error) {
	random, err := c.RandomState()
	if err != nil {
		return nil, err
	}
	p, err := EncodeProposal(c.proposal)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		Current:  c.current,
		Stats:    c.stats.clone(),
		Random:   random,
		Proposal: p,
	}, nil
}

// Resume restores the chain from a checkpoint. The history is
// dropped, continuing the chain gives the same states as the chain
// which created the checkpoint.
func (c *Chain) Resume(cp *Checkpoint) error {
	if len(cp.Current.Point) != c.analysis.Dim() {
		return errors.Wrap(ErrDimension, "checkpoint point")
	}
	p, err := DecodeProposal(cp.Proposal)
	if err != nil {
		return err
	}
	if err := c.SetProposal(p); err != nil {
		return err
	}
	if err := c.SetRandomState(cp.Random); err != nil {
		return errors.Wrap(err, "restoring random state")
	}
	c.current = cp.Current
	c.stats = cp.Stats.clone()
	c.history = nil
	c.phase = Initialized
	return nil
}
