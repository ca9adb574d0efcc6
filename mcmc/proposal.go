package mcmc

import (
	"encoding/json"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Proposal generates candidate points for a chain. Implementations
// are used by a single chain, Clone gives an independent copy.
type Proposal interface {
	// Dim returns the dimensionality.
	Dim() int
	// Propose draws a candidate given the current point. The
	// candidate is stored in dst, which is allocated if nil.
	Propose(r *rand.Rand, current, dst []float64) []float64
	// Evaluate returns log q(x|y), the log-density to propose x
	// from y.
	Evaluate(x, y []float64) float64
	// Adapt updates the proposal given the recent states of a
	// chain and its efficiency.
	Adapt(h History, efficiency, minEfficiency, maxEfficiency float64)
	// Clone returns a deep copy.
	Clone() Proposal
}

// proposalRecord is the persistent representation of a proposal.
type proposalRecord struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeProposal serializes a proposal.
func EncodeProposal(p Proposal) ([]byte, error) {
	var rec proposalRecord
	var data interface{}
	switch q := p.(type) {
	case *Multivariate:
		rec.Kind = "multivariate"
		data = q.Snapshot()
	case *GlobalLocal:
		rec.Kind = "global-local"
		data = q.Snapshot()
	default:
		return nil, errors.Errorf("cannot encode proposal %T", p)
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	rec.Data = b
	return json.Marshal(rec)
}

// DecodeProposal restores a proposal serialized with EncodeProposal.
func DecodeProposal(b []byte) (Proposal, error) {
	var rec proposalRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, errors.Wrap(err, "decoding proposal")
	}
	switch rec.Kind {
	case "multivariate":
		var s MultivariateSnapshot
		if err := json.Unmarshal(rec.Data, &s); err != nil {
			return nil, errors.Wrap(err, "decoding multivariate proposal")
		}
		return RestoreMultivariate(s)
	case "global-local":
		var s GlobalLocalSnapshot
		if err := json.Unmarshal(rec.Data, &s); err != nil {
			return nil, errors.Wrap(err, "decoding global-local proposal")
		}
		return RestoreGlobalLocal(s)
	}
	return nil, errors.Errorf("unknown proposal kind %q", rec.Kind)
}
