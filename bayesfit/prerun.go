package main

import (
	"context"
	"runtime"

	"github.com/pkg/errors"

	"github.com/bayesfit/bayesfit/mcmc"
	"github.com/bayesfit/bayesfit/store"
)

// runPrerun runs the prerun and the optional main run.
func runPrerun(ctx context.Context, rs *runSettings, summary *RunSummary) error {
	a, err := rs.analysis()
	if err != nil {
		return err
	}
	names := a.Parameters().Names()
	log.Infof("Parameters: %s", a.Parameters().NamesString())

	cfg := rs.MCMC
	cfg.Seed = *seed
	if cfg.Workers == 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if *prerunStart != "" {
		if cfg.Start, err = readStart(*prerunStart, a); err != nil {
			return errors.Wrap(err, "reading start position")
		}
	}
	s, err := mcmc.NewSampler(a, cfg, rs.Partitions)
	if err != nil {
		return err
	}
	log.Infof("Running %d chains", len(s.Chains()))

	if *prerunResume && *prerunOut == "" {
		return errors.New("nothing to resume without an output file")
	}
	var st *store.Store
	var rec *store.ChainRecorder
	finished := false
	if *prerunOut != "" {
		if *prerunResume {
			if st, err = store.Open(*prerunOut, false); err != nil {
				return err
			}
			defer st.Close()
			if err := st.CheckDescriptions(a); err != nil {
				return err
			}
			if finished, err = resumePrerun(st, s, cfg); err != nil {
				return err
			}
		} else {
			if st, err = store.Create(*prerunOut, version); err != nil {
				return err
			}
			defer st.Close()
			if err := st.WriteDescriptions(a.Descriptions()); err != nil {
				return err
			}
		}
		summary.RunID = st.Metadata().RunID
		rec = st.ChainRecorder(*checkpointSeconds)
		s.SetRecorder(rec)
	}

	if finished {
		log.Notice("Prerun already finished")
	} else {
		if err := s.Prerun(ctx); err != nil {
			return err
		}
		if st != nil {
			if err := rec.Finish(mcmc.StagePrerun, s.Chains()); err != nil {
				return err
			}
			status := store.Status{Iterations: s.Iterations(), Converged: s.Converged(), Finished: true}
			if err := st.WriteStatus(mcmc.StagePrerun, status); err != nil {
				return err
			}
		}
	}

	ps := &PrerunSummary{
		Iterations: s.Iterations(),
		Converged:  s.Converged(),
	}
	summary.Prerun = ps
	for i, c := range s.Chains() {
		cs := chainSummary(c, s.Partition(i), names)
		ps.Chains = append(ps.Chains, cs)
		log.Noticef("Chain %d: efficiency %.3f, mode %v (log-posterior %v)", i, cs.Efficiency,
			c.Stats().Mode.Point, cs.ModeLogPosterior)
	}
	var points [][]float64
	for _, h := range s.Histories() {
		points = append(points, h.Skip(cfg.SkipInitial).Points()...)
	}

	if *prerunMain > 0 {
		var gl *mcmc.GlobalLocal
		done, mainFinished := 0, false
		if *prerunResume && finished {
			if gl, done, mainFinished, err = resumeMain(st, s); err != nil {
				return err
			}
		}
		if gl == nil {
			if gl, err = s.UseGlobalLocal(); err != nil {
				return err
			}
			if st != nil {
				if err := st.WriteGlobalLocal(gl); err != nil {
					return err
				}
			}
		}
		ps.Probabilities = gl.Probabilities()
		log.Noticef("Global-local proposal with %d components, probabilities %v", gl.Components(), gl.Probabilities())
		switch {
		case mainFinished:
			log.Notice("Main run already finished")
		case done >= *prerunMain:
			log.Noticef("Main run already has %d iterations", done)
		default:
			if done > 0 {
				log.Noticef("Continuing the main run after %d iterations", done)
			}
			if err := s.Run(ctx, *prerunMain-done); err != nil {
				return err
			}
		}
		ps.MainIterations = *prerunMain
		if mainFinished || done > *prerunMain {
			ps.MainIterations = done
		}
		points = points[:0]
		for i, h := range s.Histories() {
			if st != nil {
				if h, err = st.ReadChain(mcmc.StageMain, i); err != nil {
					return err
				}
			}
			points = append(points, h.Points()...)
		}
		if st != nil && !mainFinished {
			if err := rec.Finish(mcmc.StageMain, s.Chains()); err != nil {
				return err
			}
			status := store.Status{Iterations: ps.MainIterations, Finished: true}
			if err := st.WriteStatus(mcmc.StageMain, status); err != nil {
				return err
			}
		}
	}
	ps.Marginals = marginals(names, points)
	for _, m := range ps.Marginals {
		log.Noticef("%s: median %.6g, 68%% interval [%.6g, %.6g]", m.Parameter, m.Median, m.Lower, m.Upper)
	}
	return nil
}

// resumePrerun restores the chains from the checkpoints. It reports
// whether the stored prerun has finished.
func resumePrerun(st *store.Store, s *mcmc.Sampler, cfg mcmc.Config) (bool, error) {
	status, err := st.ReadStatus(mcmc.StagePrerun)
	if err != nil && errors.Cause(err) != store.ErrNotFound {
		return false, err
	}
	n, err := st.Chains(mcmc.StagePrerun)
	if err != nil {
		return false, err
	}
	if n != len(s.Chains()) {
		return false, errors.Errorf("file has %d chains, the run description %d", n, len(s.Chains()))
	}
	cps, hs, iterations, err := st.ResumeChains(mcmc.StagePrerun, n, cfg.IterationsUpdate)
	if err != nil {
		return false, err
	}
	if err := s.Resume(cps, hs, iterations, status.Converged); err != nil {
		return false, err
	}
	return status.Finished, nil
}

// resumeMain restores an interrupted main run from its checkpoints and
// drops the states written after them. It returns the stored
// global-local proposal and the number of iterations already done, or
// a nil proposal if the main run has to start from the beginning.
func resumeMain(st *store.Store, s *mcmc.Sampler) (*mcmc.GlobalLocal, int, bool, error) {
	n, err := st.Chains(mcmc.StageMain)
	if err != nil || n == 0 {
		return nil, 0, false, err
	}
	if n != len(s.Chains()) {
		return nil, 0, false, errors.Errorf("file has %d main run chains, the run description %d", n, len(s.Chains()))
	}
	status, err := st.ReadStatus(mcmc.StageMain)
	if err != nil && errors.Cause(err) != store.ErrNotFound {
		return nil, 0, false, err
	}
	cp, err := st.ReadCheckpoint(mcmc.StageMain, 0)
	if errors.Cause(err) == store.ErrNotFound {
		log.Notice("Main run has no checkpoint, starting it again")
		return nil, 0, false, st.DiscardChains(mcmc.StageMain, n)
	}
	if err != nil {
		return nil, 0, false, err
	}
	cps, _, _, err := st.ResumeChains(mcmc.StageMain, n, 0)
	if err != nil {
		return nil, 0, false, err
	}
	gl, err := st.ReadGlobalLocal()
	if err != nil {
		return nil, 0, false, err
	}
	if err := s.ResumeMain(cps); err != nil {
		return nil, 0, false, err
	}
	return gl, cp.Rows, status.Finished, nil
}
