package main

import (
	"context"
	"runtime"

	"github.com/pkg/errors"

	"github.com/bayesfit/bayesfit/analysis"
	"github.com/bayesfit/bayesfit/mcmc"
	"github.com/bayesfit/bayesfit/pmc"
	"github.com/bayesfit/bayesfit/store"
)

// latestStep selects the last stored step, or the chains.
const latestStep = -2

// runPMC runs population Monte Carlo starting from stored chains or a
// stored mixture.
func runPMC(ctx context.Context, rs *runSettings, summary *RunSummary) error {
	a, err := rs.analysis()
	if err != nil {
		return err
	}
	cfg := rs.PMC
	cfg.Seed = *seed
	if cfg.Workers == 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}

	in, err := store.Open(*pmcIn, *pmcOut != "")
	if err != nil {
		return err
	}
	defer in.Close()
	if err := in.CheckDescriptions(a); err != nil {
		return err
	}
	m, from, err := initialMixture(a, in, cfg, *pmcStep)
	if err != nil {
		return err
	}
	log.Noticef("Initial mixture with %d components", m.Len())

	out := in
	if *pmcOut != "" {
		if out, err = store.Create(*pmcOut, version); err != nil {
			return err
		}
		defer out.Close()
		if err := out.WriteDescriptions(a.Descriptions()); err != nil {
			return err
		}
	} else if steps, err := in.Steps(); err != nil {
		return err
	} else if len(steps) > 0 {
		return errors.Errorf("%s already contains PMC steps, use --out", *pmcIn)
	}
	summary.RunID = out.Metadata().RunID

	s, err := pmc.NewSampler(a, m, cfg)
	if err != nil {
		return err
	}
	s.Continue(from)
	s.SetRecorder(out.MixtureRecorder())
	_, final, err := s.Run(ctx)
	if err != nil {
		return err
	}
	status := store.Status{Iterations: s.Steps(), Converged: s.Converged(), Finished: true}
	if err := out.WriteStatus("pmc", status); err != nil {
		return err
	}

	ps := &PMCSummary{
		Steps:      s.Steps(),
		Converged:  s.Converged(),
		Statistics: s.Statistics(),
		Final:      final,
		Components: s.Mixture().Len(),
	}
	summary.PMC = ps
	log.Noticef("Evidence %.6g ± %.2g, perplexity %.3f, ESS %.3f", final.Evidence, final.EvidenceError,
		final.Perplexity, final.ESS)
	rows, err := out.ReadSamples(-1)
	if err != nil {
		return err
	}
	ps.Marginals = weightedMarginals(a.Parameters().Names(), rows)
	for _, m := range ps.Marginals {
		log.Noticef("%s: median %.6g, 68%% interval [%.6g, %.6g]", m.Parameter, m.Median, m.Lower, m.Upper)
	}
	return nil
}

// initialMixture reads the mixture and the statistics of a step, or
// builds a mixture from the stored chains of the main run or, if there
// is none, of the prerun.
func initialMixture(a *analysis.Analysis, in *store.Store, cfg pmc.Config, step int) (*pmc.Mixture, pmc.Statistics, error) {
	var from pmc.Statistics
	if step == latestStep {
		steps, err := in.Steps()
		if err != nil {
			return nil, from, err
		}
		if len(steps) > 0 {
			step = steps[len(steps)-1]
		}
	}
	if step != latestStep {
		log.Infof("Reading the mixture of step %d", step)
		rs, err := in.ReadComponents(store.StepPath(step))
		if err != nil {
			return nil, from, err
		}
		if from, err = in.ReadStatistics(step); err != nil {
			return nil, from, err
		}
		m, err := pmc.FromRecords(a, rs)
		if err != nil {
			return nil, from, err
		}
		m, err = pmc.FilterOverlap(a, m, cfg.Init.MinOverlap, cfg.Seed)
		return m, from, err
	}

	stage := mcmc.StageMain
	n, err := in.Chains(stage)
	if err != nil {
		return nil, from, err
	}
	if n == 0 {
		stage = mcmc.StagePrerun
		if n, err = in.Chains(stage); err != nil {
			return nil, from, err
		}
	}
	if n == 0 {
		return nil, from, errors.Errorf("%s contains neither chains nor PMC steps", *pmcIn)
	}
	log.Infof("Building the mixture from %d %s chains", n, stage)
	hs := make([]mcmc.History, n)
	for i := range hs {
		if hs[i], err = in.ReadChain(stage, i); err != nil {
			return nil, from, errors.Wrapf(err, "chain %d, the states must be stored", i)
		}
	}
	m, err := pmc.FromChains(a, hs, cfg.Init, cfg.Seed)
	return m, from, err
}
