package store

import (
	"sync"
	"time"

	"github.com/bayesfit/bayesfit/mcmc"
)

// ChainCheckpoint is a chain checkpoint together with the number of
// rows of the samples table it corresponds to.
type ChainCheckpoint struct {
	mcmc.Checkpoint
	Rows  int  `json:"rows"`
	Final bool `json:"final"`
}

// CheckpointIO decides when checkpoints are saved.
type CheckpointIO struct {
	mu      sync.Mutex
	last    time.Time
	seconds float64
}

// NewCheckpointIO creates a CheckpointIO saving at most every seconds
// seconds. Zero saves every time.
func NewCheckpointIO(seconds float64) *CheckpointIO {
	return &CheckpointIO{seconds: seconds}
}

// Old returns true if last checkpoint save time too long ago.
func (c *CheckpointIO) Old() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seconds <= 0 || time.Since(c.last).Seconds() > c.seconds
}

// SetNow sets last checkpoint time to now.
func (c *CheckpointIO) SetNow() {
	c.mu.Lock()
	c.last = time.Now()
	c.mu.Unlock()
}

// WriteCheckpoint saves a chain checkpoint.
func (s *Store) WriteCheckpoint(stage string, chain int, cp *ChainCheckpoint) error {
	return s.putJSON(chainPath(stage, chain), "checkpoint", cp)
}

// ReadCheckpoint returns the checkpoint of a chain.
func (s *Store) ReadCheckpoint(stage string, chain int) (*ChainCheckpoint, error) {
	var cp ChainCheckpoint
	if err := s.getJSON(chainPath(stage, chain), "checkpoint", &cp); err != nil {
		return nil, err
	}
	if cp.Final {
		log.Noticef("Found finished checkpoint of %s chain %d (iter=%v, mode=%v)",
			stage, chain, cp.Stats.IterationsTotal, cp.Stats.Mode.LogPosterior)
	} else {
		log.Noticef("Found unfinished checkpoint of %s chain %d (iter=%v, mode=%v)",
			stage, chain, cp.Stats.IterationsTotal, cp.Stats.Mode.LogPosterior)
	}
	return &cp, nil
}
