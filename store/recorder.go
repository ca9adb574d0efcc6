package store

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/bayesfit/bayesfit/mcmc"
	"github.com/bayesfit/bayesfit/pmc"
)

// samplesTable is the name of the table holding chain states or PMC
// samples.
const samplesTable = "samples"

// ChainRecorder writes chains to a store. It implements
// mcmc.Recorder.
type ChainRecorder struct {
	s  *Store
	io *CheckpointIO

	mu     sync.Mutex
	saving bool
}

// ChainRecorder creates a recorder saving checkpoints at most every
// seconds seconds. The decision is taken when chain 0 is recorded and
// applies to the whole chunk, so that all the checkpoints stay at the
// same iteration.
func (s *Store) ChainRecorder(seconds float64) *ChainRecorder {
	return &ChainRecorder{s: s, io: NewCheckpointIO(seconds), saving: true}
}

// RecordStates appends states to the samples table of a chain.
func (r *ChainRecorder) RecordStates(stage string, chain int, h mcmc.History) error {
	if len(h) == 0 {
		return nil
	}
	t, err := r.s.Table(chainPath(stage, chain), samplesTable, len(h[0].Point)+3)
	if err != nil {
		return err
	}
	rows := make([][]float64, len(h))
	for i, st := range h {
		rows[i] = st.Row()
	}
	return t.Append(rows...)
}

// RecordChain saves the mode, the proposal and, if the checkpoint is
// due, the checkpoint of a chain.
func (r *ChainRecorder) RecordChain(stage string, chain int, c *mcmc.Chain) error {
	path := chainPath(stage, chain)
	if err := r.s.putJSON(path, "mode", c.Stats().Mode); err != nil {
		return err
	}
	p, err := mcmc.EncodeProposal(c.Proposal())
	if err != nil {
		return err
	}
	if err := r.s.putJSON(path, "proposal", json.RawMessage(p)); err != nil {
		return err
	}

	r.mu.Lock()
	if chain == 0 {
		r.saving = r.io.Old()
		if r.saving {
			r.io.SetNow()
		}
	}
	saving := r.saving
	r.mu.Unlock()
	if !saving {
		return nil
	}
	return r.writeCheckpoint(stage, chain, c, false)
}

// Finish saves final checkpoints of all the chains.
func (r *ChainRecorder) Finish(stage string, chains []*mcmc.Chain) error {
	for i, c := range chains {
		if err := r.writeCheckpoint(stage, i, c, true); err != nil {
			return err
		}
	}
	r.io.SetNow()
	return nil
}

func (r *ChainRecorder) writeCheckpoint(stage string, chain int, c *mcmc.Chain, final bool) error {
	cp, err := c.Checkpoint()
	if err != nil {
		return errors.Wrapf(err, "checkpoint of chain %d", chain)
	}
	rows := 0
	if t, err := r.s.ReadTable(chainPath(stage, chain), samplesTable); err == nil {
		// the checkpoint covers only written rows
		if err := t.Flush(); err != nil {
			return err
		}
		rows = t.Rows()
	}
	return r.s.WriteCheckpoint(stage, chain, &ChainCheckpoint{Checkpoint: *cp, Rows: rows, Final: final})
}

// Chains returns the number of chains stored for a stage.
func (s *Store) Chains(stage string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, []string{stage}, false)
		if err != nil || b == nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if v == nil && strings.HasPrefix(string(k), "chain #") {
				n++
			}
			return nil
		})
	})
	return n, err
}

// ReadChain returns the stored states of a chain.
func (s *Store) ReadChain(stage string, chain int) (mcmc.History, error) {
	t, err := s.ReadTable(chainPath(stage, chain), samplesTable)
	if err != nil {
		return nil, err
	}
	rows, err := t.ReadAll()
	if err != nil {
		return nil, err
	}
	h := make(mcmc.History, len(rows))
	for i, row := range rows {
		h[i] = mcmc.StateFromRow(row)
	}
	return h, nil
}

// ReadMode returns the mode of a chain.
func (s *Store) ReadMode(stage string, chain int) (mcmc.State, error) {
	var st mcmc.State
	err := s.getJSON(chainPath(stage, chain), "mode", &st)
	return st, err
}

// ReadProposal returns the last proposal of a chain.
func (s *Store) ReadProposal(stage string, chain int) (mcmc.Proposal, error) {
	var raw json.RawMessage
	if err := s.getJSON(chainPath(stage, chain), "proposal", &raw); err != nil {
		return nil, err
	}
	return mcmc.DecodeProposal(raw)
}

// ResumeChains reads the checkpoints of n chains, truncates their
// samples tables to the checkpoints and returns the last states
// before the checkpoints, at most last of them per chain. The
// returned iterations are those of chain 0.
func (s *Store) ResumeChains(stage string, n, last int) ([]*mcmc.Checkpoint, []mcmc.History, int, error) {
	cps := make([]*mcmc.Checkpoint, n)
	hs := make([]mcmc.History, n)
	iterations := -1
	for i := 0; i < n; i++ {
		cp, err := s.ReadCheckpoint(stage, i)
		if err != nil {
			return nil, nil, 0, errors.Wrapf(err, "chain %d", i)
		}
		if iterations < 0 {
			iterations = cp.Stats.IterationsTotal
		} else if cp.Stats.IterationsTotal != iterations {
			return nil, nil, 0, errors.Errorf("chain %d checkpoint at iteration %d, chain 0 at %d",
				i, cp.Stats.IterationsTotal, iterations)
		}
		cps[i] = &cp.Checkpoint
		t, err := s.ReadTable(chainPath(stage, i), samplesTable)
		if errors.Cause(err) == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, nil, 0, err
		}
		if t.Rows() > cp.Rows && !s.readOnly {
			log.Infof("Chain %d: dropping %d states after the checkpoint", i, t.Rows()-cp.Rows)
			if err := t.Truncate(cp.Rows); err != nil {
				return nil, nil, 0, err
			}
		}
		from := cp.Rows - last
		if from < 0 {
			from = 0
		}
		rows, err := t.Read(from, cp.Rows)
		if err != nil {
			return nil, nil, 0, err
		}
		hs[i] = make(mcmc.History, len(rows))
		for j, row := range rows {
			hs[i][j] = mcmc.StateFromRow(row)
		}
	}
	return cps, hs, iterations, nil
}

// DiscardChains drops the states of n chains of a stage, for example
// of a main run interrupted before its first checkpoint.
func (s *Store) DiscardChains(stage string, n int) error {
	for i := 0; i < n; i++ {
		t, err := s.ReadTable(chainPath(stage, i), samplesTable)
		if errors.Cause(err) == ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if t.Rows() > 0 {
			log.Infof("Chain %d: dropping %d %s states", i, t.Rows(), stage)
		}
		if err := t.Truncate(0); err != nil {
			return err
		}
	}
	return nil
}

// WriteGlobalLocal saves the global-local proposal of the main run.
func (s *Store) WriteGlobalLocal(gl *mcmc.GlobalLocal) error {
	p, err := mcmc.EncodeProposal(gl)
	if err != nil {
		return err
	}
	return s.putJSON([]string{mcmc.StageMain}, "global-local", json.RawMessage(p))
}

// ReadGlobalLocal returns the global-local proposal of the main run.
func (s *Store) ReadGlobalLocal() (*mcmc.GlobalLocal, error) {
	var raw json.RawMessage
	if err := s.getJSON([]string{mcmc.StageMain}, "global-local", &raw); err != nil {
		return nil, err
	}
	p, err := mcmc.DecodeProposal(raw)
	if err != nil {
		return nil, err
	}
	gl, ok := p.(*mcmc.GlobalLocal)
	if !ok {
		return nil, errors.New("stored proposal is not global-local")
	}
	return gl, nil
}

// MixtureRecorder writes PMC steps to a store. It implements
// pmc.Recorder.
type MixtureRecorder struct {
	s *Store
}

// MixtureRecorder creates a PMC recorder.
func (s *Store) MixtureRecorder() *MixtureRecorder {
	return &MixtureRecorder{s: s}
}

// RecordStep saves the mixture, the samples and the statistics of a
// step.
func (r *MixtureRecorder) RecordStep(step int, m *pmc.Mixture, samples []pmc.Sample, st pmc.Statistics) error {
	return r.s.writeStep(stepPath(step), m, samples, st)
}

// RecordFinal saves the final mixture and samples.
func (r *MixtureRecorder) RecordFinal(m *pmc.Mixture, samples []pmc.Sample, st pmc.Statistics) error {
	return r.s.writeStep(finalPath, m, samples, st)
}

func (s *Store) writeStep(path []string, m *pmc.Mixture, samples []pmc.Sample, st pmc.Statistics) error {
	d := m.Dim()
	if err := s.WriteComponents(path, m.Records()); err != nil {
		return err
	}
	if len(samples) > 0 {
		t, err := s.Table(path, samplesTable, d+2)
		if err != nil {
			return err
		}
		rows := make([][]float64, len(samples))
		for i, smp := range samples {
			rows[i] = smp.Row()
		}
		if err := t.Append(rows...); err != nil {
			return err
		}
		if err := t.Close(); err != nil {
			return err
		}
	}
	t, err := s.Table(path, "statistics", len(st.Row()))
	if err != nil {
		return err
	}
	if err := t.Append(st.Row()); err != nil {
		return err
	}
	if err := t.Close(); err != nil {
		return err
	}
	return s.putJSON(path, "summary", st)
}

// WriteComponents saves mixture components as a table.
func (s *Store) WriteComponents(path []string, rs []pmc.ComponentRecord) error {
	if len(rs) == 0 {
		return errors.New("no components")
	}
	t, err := s.Table(path, "components", pmc.ComponentColumns(len(rs[0].Mean)))
	if err != nil {
		return err
	}
	if t.Rows() > 0 {
		return errors.Errorf("components of %v already written", path)
	}
	rows := make([][]float64, len(rs))
	for i, r := range rs {
		rows[i] = r.Row()
	}
	if err := t.Append(rows...); err != nil {
		return err
	}
	return t.Close()
}

// ReadComponents returns the components stored at path.
func (s *Store) ReadComponents(path []string) ([]pmc.ComponentRecord, error) {
	t, err := s.ReadTable(path, "components")
	if err != nil {
		return nil, err
	}
	d, err := componentDim(t.Columns())
	if err != nil {
		return nil, err
	}
	rows, err := t.ReadAll()
	if err != nil {
		return nil, err
	}
	rs := make([]pmc.ComponentRecord, len(rows))
	for i, row := range rows {
		if rs[i], err = pmc.ComponentRecordFromRow(row, d); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

// componentDim solves 2+d+d² = columns.
func componentDim(columns int) (int, error) {
	d := int(math.Round((-1 + math.Sqrt(float64(1+4*(columns-2)))) / 2))
	if d < 1 || pmc.ComponentColumns(d) != columns {
		return 0, errors.Errorf("%d columns don't describe a component", columns)
	}
	return d, nil
}

// StepPath returns the bucket path of a PMC step, negative steps
// denote the final step.
func StepPath(step int) []string {
	if step < 0 {
		return finalPath
	}
	return stepPath(step)
}

// Steps returns the numbers of the stored PMC steps in increasing
// order.
func (s *Store) Steps() ([]int, error) {
	var steps []int
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, []string{"pmc"}, false)
		if err != nil || b == nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			name := string(k)
			if v != nil || !strings.HasPrefix(name, "step #") {
				return nil
			}
			n, err := strconv.Atoi(strings.TrimPrefix(name, "step #"))
			if err != nil {
				return errors.Wrapf(err, "bucket %s", name)
			}
			steps = append(steps, n)
			return nil
		})
	})
	sort.Ints(steps)
	return steps, err
}

// ReadMixture restores the mixture of a step, negative steps denote
// the final mixture. It can be used as the starting mixture of a new
// sampler.
func (s *Store) ReadMixture(step int) (*pmc.Mixture, error) {
	rs, err := s.ReadComponents(StepPath(step))
	if err != nil {
		return nil, err
	}
	return pmc.MixtureFromRecords(rs)
}

// ReadStatistics returns the statistics of a step.
func (s *Store) ReadStatistics(step int) (pmc.Statistics, error) {
	var st pmc.Statistics
	err := s.getJSON(StepPath(step), "summary", &st)
	return st, err
}

// ReadSamples returns the sample rows of a step: point, log-posterior
// and log-weight.
func (s *Store) ReadSamples(step int) ([][]float64, error) {
	t, err := s.ReadTable(StepPath(step), samplesTable)
	if err != nil {
		return nil, err
	}
	return t.ReadAll()
}

// Status is the state of a sampling stage.
type Status struct {
	Iterations int  `json:"iterations"`
	Converged  bool `json:"converged"`
	Finished   bool `json:"finished"`
}

// WriteStatus saves the status of a stage.
func (s *Store) WriteStatus(stage string, st Status) error {
	return s.putJSON([]string{stage}, "status", st)
}

// ReadStatus returns the status of a stage.
func (s *Store) ReadStatus(stage string) (Status, error) {
	var st Status
	err := s.getJSON([]string{stage}, "status", &st)
	return st, err
}
