package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"gonum.org/v1/gonum/mat"

	"github.com/bayesfit/bayesfit/analysis"
	"github.com/bayesfit/bayesfit/likelihood"
	"github.com/bayesfit/bayesfit/mcmc"
	"github.com/bayesfit/bayesfit/pmc"
)

func newTestStore(tst *testing.T) (*Store, string) {
	path := filepath.Join(tst.TempDir(), "run.db")
	s, err := Create(path, "test")
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	return s, path
}

func reopen(tst *testing.T, s *Store, path string, readOnly bool) *Store {
	if err := s.Close(); err != nil {
		tst.Fatal("Error: ", err)
	}
	s, err := Open(path, readOnly)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	return s
}

func newTestAnalysis(tst *testing.T) *analysis.Analysis {
	l, err := likelihood.NewGaussian(
		likelihood.Constraint{Name: "x", Mean: 1, Sigma: 0.5},
		likelihood.Constraint{Name: "y", Parameter: 1, Mean: -1, Sigma: 2},
	)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	px, err := analysis.NewFlat(-5, 5)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	py, err := analysis.NewFlat(-10, 10)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	a, err := analysis.New(l, analysis.Parameters{
		{Name: "x", Value: 0, Prior: px},
		{Name: "y", Value: 0, Prior: py},
	})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	return a
}

func TestCreateOpen(tst *testing.T) {
	s, path := newTestStore(tst)
	meta := s.Metadata()
	if meta.RunID == "" || meta.Creator != Creator || meta.Version != FormatVersion {
		tst.Error("Incorrect metadata: ", meta)
	}
	a := newTestAnalysis(tst)
	if err := s.WriteDescriptions(a.Descriptions()); err != nil {
		tst.Fatal("Error: ", err)
	}
	if _, err := Create(path, "test"); err == nil {
		tst.Error("Creating an existing file should fail")
	}

	s = reopen(tst, s, path, true)
	defer s.Close()
	if s.Metadata().RunID != meta.RunID || !s.Metadata().Created.Equal(meta.Created) {
		tst.Error("Metadata changed: ", s.Metadata(), meta)
	}
	ds, version, err := s.ReadDescriptions()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if len(ds) != 2 || ds[1].Name != "y" || ds[1].Max != 10 || version != "test" {
		tst.Error("Incorrect descriptions: ", ds, version)
	}
	if err := s.CheckDescriptions(a); err != nil {
		tst.Error("Error: ", err)
	}
	if err := s.WriteDescriptions(ds); errors.Cause(err) != ErrReadOnly {
		tst.Error("Expected read-only error, got ", err)
	}
	if _, err := s.Table([]string{"x"}, "t", 2); errors.Cause(err) != ErrNotFound {
		tst.Error("Expected not found error, got ", err)
	}
	if _, err := s.ReadMode(mcmc.StagePrerun, 0); errors.Cause(err) != ErrNotFound {
		tst.Error("Expected not found error, got ", err)
	}
}

func TestOpenForeign(tst *testing.T) {
	if _, err := Open(filepath.Join(tst.TempDir(), "missing.db"), true); err == nil {
		tst.Error("Opening a missing file should fail")
	}
	s, path := newTestStore(tst)
	err := s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put([]byte("version"), []byte("0"))
	})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	s.Close()
	if _, err := Open(path, false); errors.Cause(err) != ErrVersion {
		tst.Error("Expected version error, got ", err)
	}
}

func testRows(from, to, columns int) [][]float64 {
	rows := make([][]float64, 0, to-from)
	for i := from; i < to; i++ {
		r := make([]float64, columns)
		for j := range r {
			r[j] = float64(i) + float64(j)/10
		}
		rows = append(rows, r)
	}
	return rows
}

func checkRows(tst *testing.T, rows [][]float64, from int) {
	for i, r := range rows {
		for j, v := range r {
			if v != float64(from+i)+float64(j)/10 {
				tst.Fatalf("Incorrect value at (%d, %d): %v", from+i, j, v)
			}
		}
	}
}

func TestTable(tst *testing.T) {
	s, path := newTestStore(tst)
	t, err := s.Table([]string{"tables"}, "t", 3)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if err := t.Append(testRows(0, 1500, 3)...); err != nil {
		tst.Fatal("Error: ", err)
	}
	if err := t.Append(testRows(1500, 1600, 3)...); err != nil {
		tst.Fatal("Error: ", err)
	}
	if err := t.Append([]float64{1, 2}); err == nil {
		tst.Error("Appending a short row should fail")
	}
	if t.meta.Capacity != 2*DefaultChunkRows {
		tst.Error("Incorrect capacity: ", t.meta.Capacity)
	}
	if _, err := s.Table([]string{"tables"}, "t", 4); err == nil {
		tst.Error("Opening with other columns should fail")
	}

	s = reopen(tst, s, path, false)
	t, err = s.Table([]string{"tables"}, "t", 3)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if t.Rows() != 1600 || t.meta.Capacity != 1600 {
		tst.Fatal("Incorrect rows after close: ", t.Rows(), t.meta.Capacity)
	}
	if err := t.Append(testRows(1600, 2100, 3)...); err != nil {
		tst.Fatal("Error: ", err)
	}

	s = reopen(tst, s, path, true)
	defer s.Close()
	t, err = s.ReadTable([]string{"tables"}, "t")
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	rows, err := t.ReadAll()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if len(rows) != 2100 {
		tst.Fatal("Incorrect number of rows: ", len(rows))
	}
	checkRows(tst, rows, 0)
	rows, err = t.Read(1020, 1030)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	checkRows(tst, rows, 1020)
	if _, err := t.Read(0, 2101); err == nil {
		tst.Error("Reading past the end should fail")
	}
	if err := t.Append(testRows(0, 1, 3)...); errors.Cause(err) != ErrReadOnly {
		tst.Error("Expected read-only error, got ", err)
	}
}

// storedRows returns the number of rows written to the file.
func storedRows(tst *testing.T, s *Store, t *Table) int {
	var meta tableMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, t.path, false)
		if err != nil {
			return err
		}
		return json.Unmarshal(b.Get(tableMetaKey), &meta)
	})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	return meta.Rows
}

func TestTableBuffering(tst *testing.T) {
	s, path := newTestStore(tst)
	t, err := s.Table(nil, "t", 2)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	for i := 0; i < 2500; i++ {
		if err := t.Append(testRows(i, i+1, 2)...); err != nil {
			tst.Fatal("Error: ", err)
		}
		// full chunks only
		if n := storedRows(tst, s, t); n != (i+1)/DefaultChunkRows*DefaultChunkRows {
			tst.Fatalf("%d rows written after %d appended", n, i+1)
		}
	}
	if t.Rows() != 2500 {
		tst.Error("Incorrect number of rows: ", t.Rows())
	}
	if err := t.Flush(); err != nil {
		tst.Fatal("Error: ", err)
	}
	if n := storedRows(tst, s, t); n != 2500 {
		tst.Error("Rows not flushed: ", n)
	}
	// reading sees buffered rows
	if err := t.Append(testRows(2500, 2510, 2)...); err != nil {
		tst.Fatal("Error: ", err)
	}
	rows, err := t.Read(2490, 2510)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	checkRows(tst, rows, 2490)

	if err := t.Append(testRows(2510, 2600, 2)...); err != nil {
		tst.Fatal("Error: ", err)
	}
	s = reopen(tst, s, path, true)
	defer s.Close()
	t, err = s.ReadTable(nil, "t")
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	rows, err = t.ReadAll()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if len(rows) != 2600 {
		tst.Fatal("Buffered rows lost on close: ", len(rows))
	}
	checkRows(tst, rows, 0)
}

func TestTableTruncate(tst *testing.T) {
	s, path := newTestStore(tst)
	t, err := s.Table(nil, "t", 2)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if err := t.Append(testRows(0, 2000, 2)...); err != nil {
		tst.Fatal("Error: ", err)
	}
	if err := t.Truncate(3000); err == nil {
		tst.Error("Truncating past the end should fail")
	}
	if err := t.Truncate(900); err != nil {
		tst.Fatal("Error: ", err)
	}
	if err := t.Append(testRows(900, 1000, 2)...); err != nil {
		tst.Fatal("Error: ", err)
	}
	s = reopen(tst, s, path, true)
	defer s.Close()
	t, err = s.ReadTable(nil, "t")
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	rows, err := t.ReadAll()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if len(rows) != 1000 {
		tst.Fatal("Incorrect number of rows: ", len(rows))
	}
	checkRows(tst, rows, 0)
}

func newTestChain(tst *testing.T, a *analysis.Analysis, seed int64) *mcmc.Chain {
	cov := mat.NewSymDense(2, []float64{0.25, 0, 0, 4})
	p, err := mcmc.NewGaussian(cov, true)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	c, err := mcmc.NewChain(a, p, seed, nil)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	return c
}

func record(tst *testing.T, r *ChainRecorder, c *mcmc.Chain, checkpoint bool) {
	if err := r.RecordStates(mcmc.StagePrerun, 0, c.History()); err != nil {
		tst.Fatal("Error: ", err)
	}
	if !checkpoint {
		return
	}
	if err := r.RecordChain(mcmc.StagePrerun, 0, c); err != nil {
		tst.Fatal("Error: ", err)
	}
}

func TestChainResume(tst *testing.T) {
	a := newTestAnalysis(tst)
	ref := newTestChain(tst, a, 11)
	ref.Run(1200)

	s, path := newTestStore(tst)
	r := s.ChainRecorder(0)
	c := newTestChain(tst, a, 11)
	c.Run(700)
	record(tst, r, c, true)
	// states written after the checkpoint are dropped on resume
	c.ClearHistory()
	c.Run(100)
	record(tst, r, c, false)

	s = reopen(tst, s, path, false)
	n, err := s.Chains(mcmc.StagePrerun)
	if err != nil || n != 1 {
		tst.Fatal("Incorrect number of chains: ", n, err)
	}
	cps, hs, iterations, err := s.ResumeChains(mcmc.StagePrerun, 1, 50)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if iterations != 700 || len(hs[0]) != 50 {
		tst.Fatal("Incorrect resume: ", iterations, len(hs[0]))
	}
	if hs[0][49].Point[0] != ref.History()[699].Point[0] {
		tst.Error("Last state before the checkpoint differs")
	}
	c = newTestChain(tst, a, 1)
	if err := c.Resume(cps[0]); err != nil {
		tst.Fatal("Error: ", err)
	}
	c.Run(500)
	r = s.ChainRecorder(0)
	record(tst, r, c, true)
	if err := r.Finish(mcmc.StagePrerun, []*mcmc.Chain{c}); err != nil {
		tst.Fatal("Error: ", err)
	}

	s = reopen(tst, s, path, true)
	defer s.Close()
	h, err := s.ReadChain(mcmc.StagePrerun, 0)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	want := ref.History()
	if len(h) != len(want) {
		tst.Fatal("Incorrect history length: ", len(h))
	}
	for i := range h {
		if h[i].Point[0] != want[i].Point[0] || h[i].Point[1] != want[i].Point[1] ||
			h[i].LogPosterior != want[i].LogPosterior {
			tst.Fatalf("Resumed history differs at %d: %v != %v", i, h[i], want[i])
		}
	}
	cp, err := s.ReadCheckpoint(mcmc.StagePrerun, 0)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if !cp.Final || cp.Rows != 1200 || cp.Stats.IterationsTotal != 1200 {
		tst.Error("Incorrect final checkpoint: ", cp.Final, cp.Rows, cp.Stats.IterationsTotal)
	}
	mode, err := s.ReadMode(mcmc.StagePrerun, 0)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if mode.LogPosterior != ref.Stats().Mode.LogPosterior {
		tst.Error("Incorrect mode: ", mode, ref.Stats().Mode)
	}
	p, err := s.ReadProposal(mcmc.StagePrerun, 0)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if p.Dim() != 2 {
		tst.Error("Incorrect proposal dimension: ", p.Dim())
	}
}

func TestCheckpointThrottle(tst *testing.T) {
	io := NewCheckpointIO(3600)
	if !io.Old() {
		tst.Error("A checkpoint which was never saved should be old")
	}
	io.SetNow()
	if io.Old() {
		tst.Error("A fresh checkpoint should not be old")
	}
	if !NewCheckpointIO(0).Old() {
		tst.Error("Zero interval should always save")
	}
}

func newTestMixture(tst *testing.T) *pmc.Mixture {
	c1, err := pmc.NewComponent(0.3, []float64{1, 2}, mat.NewSymDense(2, []float64{1, 0.2, 0.2, 2}), -1)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	c2, err := pmc.NewComponent(0.7, []float64{-1, 0}, mat.NewSymDense(2, []float64{0.5, 0, 0, 0.5}), 4)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	m, err := pmc.NewMixture([]*pmc.Component{c1, c2})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	return m
}

func TestMixtureRecorder(tst *testing.T) {
	s, path := newTestStore(tst)
	m := newTestMixture(tst)
	r := s.MixtureRecorder()
	samples := []pmc.Sample{
		{Point: []float64{0.5, 1}, LogPosterior: -2, LogWeight: -1.5},
		{Point: []float64{-1, 0.1}, LogPosterior: -1, LogWeight: -0.5},
	}
	for _, step := range []int{0, 1, 2, 10} {
		st := pmc.Statistics{Step: step, Perplexity: 0.5, ESS: 0.4, Evidence: 1.5, EvidenceError: 0.1, Components: 2}
		if err := r.RecordStep(step, m, samples, st); err != nil {
			tst.Fatal("Error: ", err)
		}
	}
	if err := r.RecordStep(2, m, samples, pmc.Statistics{}); err == nil {
		tst.Error("Recording a step twice should fail")
	}
	if err := r.RecordFinal(m, samples, pmc.Statistics{Step: 11, Evidence: 2}); err != nil {
		tst.Fatal("Error: ", err)
	}

	s = reopen(tst, s, path, true)
	defer s.Close()
	steps, err := s.Steps()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if len(steps) != 4 || steps[3] != 10 || steps[2] != 2 {
		tst.Error("Incorrect steps: ", steps)
	}
	restored, err := s.ReadMixture(-1)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if restored.Len() != 2 {
		tst.Fatal("Incorrect number of components: ", restored.Len())
	}
	for k := 0; k < 2; k++ {
		a, b := m.Component(k), restored.Component(k)
		if a.Weight != b.Weight || a.Dof() != b.Dof() || a.Mean()[1] != b.Mean()[1] ||
			a.Covariance().At(0, 1) != b.Covariance().At(0, 1) {
			tst.Errorf("Component %d differs", k)
		}
	}
	x := []float64{0.3, 0.7}
	if m.LogDensity(x) != restored.LogDensity(x) {
		tst.Error("Restored density differs: ", m.LogDensity(x), restored.LogDensity(x))
	}
	st, err := s.ReadStatistics(10)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if st.Step != 10 || st.ESS != 0.4 {
		tst.Error("Incorrect statistics: ", st)
	}
	rows, err := s.ReadSamples(-1)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if len(rows) != 2 || rows[1][0] != -1 || rows[1][3] != -0.5 {
		tst.Error("Incorrect samples: ", rows)
	}
}

func TestComponentDim(tst *testing.T) {
	for d := 1; d < 20; d++ {
		got, err := componentDim(pmc.ComponentColumns(d))
		if err != nil || got != d {
			tst.Error("Incorrect dimension: ", d, got, err)
		}
	}
	if _, err := componentDim(7); err == nil {
		tst.Error("Expected error")
	}
}

func TestStatus(tst *testing.T) {
	s, path := newTestStore(tst)
	if _, err := s.ReadStatus(mcmc.StagePrerun); errors.Cause(err) != ErrNotFound {
		tst.Error("Expected not found error, got ", err)
	}
	if err := s.WriteStatus(mcmc.StagePrerun, Status{Iterations: 3000, Converged: true}); err != nil {
		tst.Fatal("Error: ", err)
	}
	s = reopen(tst, s, path, true)
	defer s.Close()
	st, err := s.ReadStatus(mcmc.StagePrerun)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if st.Iterations != 3000 || !st.Converged || st.Finished {
		tst.Error("Incorrect status: ", st)
	}
}
