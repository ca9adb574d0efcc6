package main

import (
	"os"

	"github.com/pkg/errors"

	"github.com/bayesfit/bayesfit/analysis"
)

// runOptimize searches for the posterior mode.
func runOptimize(rs *runSettings, summary *RunSummary) error {
	a, err := rs.analysis()
	if err != nil {
		return err
	}
	opts := rs.Optimize
	if *optimizeMethod != "" {
		opts.Method = *optimizeMethod
	}
	if *optimizeIter > 0 {
		opts.Iterations = *optimizeIter
	}
	if *optimizeRep >= 0 {
		opts.ReportPeriod = *optimizeRep
	}
	if *optimizeTraj != "" {
		f, err := os.Create(*optimizeTraj)
		if err != nil {
			return errors.Wrap(err, "creating the trajectory file")
		}
		defer f.Close()
		opts.Trajectory = f
	}
	// the optimizer keeps the best point found before the interrupt
	opts.Signals = []os.Signal{os.Interrupt}
	start := a.Values()
	if *optimizeStart != "" {
		if start, err = readStart(*optimizeStart, a); err != nil {
			return errors.Wrap(err, "reading start position")
		}
	}
	log.Infof("Using %s optimization.", opts.Method)
	mode, lp, err := a.Optimize(start, opts)
	if err != nil {
		return err
	}
	log.Noticef("Maximum log-posterior: %v", lp)
	log.Noticef("%s", a.Parameters().NamesString())
	log.Noticef("%s", analysis.ValuesString(mode))
	summary.Optimization = &OptimizationSummary{
		Method:          opts.Method,
		MaxLogPosterior: lp,
		MaxParameters:   namedValues(a.Parameters().Names(), mode),
	}
	return nil
}
