package analysis

import (
	"io"
	"math"
	"os"

	"github.com/pkg/errors"

	"github.com/bayesfit/bayesfit/optimize"
)

// OptimizeOptions are settings for the posterior mode search.
type OptimizeOptions struct {
	// Method is the optimizer name (simplex, lbfgsb, bfgs,
	// nelder-mead or none).
	Method string `yaml:"method"`
	// Iterations is the maximum number of optimizer iterations.
	Iterations int `yaml:"iterations"`
	// FixFlatNuisance keeps nuisance parameters with flat priors at
	// their initial values. The posterior is flat along such
	// directions when the likelihood doesn't constrain them.
	FixFlatNuisance bool `yaml:"fix_flat_nuisance"`
	// ReportPeriod is the number of iterations between trajectory
	// lines, zero disables them.
	ReportPeriod int `yaml:"report_period"`
	// Trajectory receives the optimizer trajectory, if set.
	Trajectory io.Writer `yaml:"-"`
	// Signals stop the optimizer, which keeps the best point so far.
	Signals []os.Signal `yaml:"-"`
}

// NewOptimizeOptions returns the default options.
func NewOptimizeOptions() OptimizeOptions {
	return OptimizeOptions{
		Method:          "simplex",
		Iterations:      2000,
		FixFlatNuisance: true,
		ReportPeriod:    10,
	}
}

// posteriorObjective is the log-posterior restricted to the free
// parameters.
type posteriorObjective struct {
	a     *Analysis
	point []float64
	free  []int
}

func (o *posteriorObjective) expand(x []float64) []float64 {
	for k, i := range o.free {
		o.point[i] = x[k]
	}
	return o.point
}

func (o *posteriorObjective) Value(x []float64) float64 {
	e, err := o.a.LogPosterior(o.expand(x))
	if err != nil {
		log.Debugf("Optimizer evaluation failed: %v", err)
		return math.Inf(-1)
	}
	return e.LogPosterior
}

func (o *posteriorObjective) Bounds() (min, max []float64) {
	min = make([]float64, len(o.free))
	max = make([]float64, len(o.free))
	for k, i := range o.free {
		p := o.a.parameters[i]
		min[k], max[k] = p.Min(), p.Max()
	}
	return
}

// Optimize searches for the posterior mode starting from initial. The
// returned point is never worse than the initial point.
func (a *Analysis) Optimize(initial []float64, opts OptimizeOptions) ([]float64, float64, error) {
	start, err := a.LogPosterior(initial)
	if err != nil {
		return nil, 0, errors.Wrap(err, "evaluating initial point")
	}

	obj := &posteriorObjective{
		a:     a,
		point: append([]float64(nil), initial...),
	}
	var names []string
	for i, p := range a.parameters {
		if opts.FixFlatNuisance && p.Nuisance && p.Prior.IsFlat() {
			log.Infof("Fixing flat nuisance parameter %s=%v", p.Name, initial[i])
			continue
		}
		obj.free = append(obj.free, i)
		names = append(names, p.Name)
	}
	if len(obj.free) == 0 {
		return append([]float64(nil), initial...), start.LogPosterior, nil
	}

	o, err := optimize.New(opts.Method)
	if err != nil {
		return nil, 0, err
	}
	x0 := make([]float64, len(obj.free))
	for k, i := range obj.free {
		x0[k] = initial[i]
	}
	o.SetObjective(obj, x0)
	o.SetNames(names)
	o.SetReportPeriod(opts.ReportPeriod)
	if opts.Trajectory != nil {
		o.SetOutput(opts.Trajectory)
	}
	if len(opts.Signals) > 0 {
		o.WatchSignals(opts.Signals...)
	}
	o.Run(opts.Iterations)

	if o.GetMax() <= start.LogPosterior {
		log.Noticef("Optimization didn't improve the starting point (%v)", start.LogPosterior)
		return append([]float64(nil), initial...), start.LogPosterior, nil
	}
	mode := append([]float64(nil), initial...)
	for k, i := range obj.free {
		mode[i] = o.GetMaxParameters()[k]
	}
	return mode, o.GetMax(), nil
}
