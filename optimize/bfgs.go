package optimize

import (
	"math"

	"github.com/pkg/errors"
	opt "gonum.org/v1/gonum/optimize"
)

// Local wraps a gonum local optimization method. The objective is
// negated, out-of-range points evaluate to +Inf.
type Local struct {
	BaseOptimizer
	method opt.Method
	name   string
	dH     float64
	// GradientThreshold stops the gradient-based methods.
	GradientThreshold float64
}

// NewBFGS creates a BFGS optimizer with a forward difference
// gradient.
func NewBFGS() *Local {
	return &Local{
		BaseOptimizer: BaseOptimizer{
			repPeriod: 10,
		},
		method:            &opt.BFGS{},
		name:              "BFGS",
		dH:                1e-6,
		GradientThreshold: 1e-3,
	}
}

// NewNelderMead creates a Nelder-Mead optimizer.
func NewNelderMead() *Local {
	return &Local{
		BaseOptimizer: BaseOptimizer{
			repPeriod: 10,
		},
		method: &opt.NelderMead{},
		name:   "Nelder-Mead",
	}
}

func (b *Local) Init() error {
	return nil
}

func (b *Local) Record(l *opt.Location, op opt.Operation, s *opt.Stats) error {
	if op == opt.MajorIteration {
		b.i = s.MajorIterations
		b.l = -l.F
		if b.report() {
			b.PrintLine(l.X, -l.F)
		}
	}
	if b.signalled() {
		return errors.New("Exiting by signal")
	}
	return nil
}

func (b *Local) Func(x []float64) float64 {
	v := b.evaluate(x)
	if math.IsInf(v, -1) {
		return math.Inf(+1)
	}
	return -v
}

func (b *Local) Grad(grad, x []float64) {
	f := b.Func(x)
	xh := append([]float64(nil), x...)
	for i := range x {
		v := x[i] + b.dH
		if v > b.max[i] {
			v = x[i] - b.dH
		}
		xh[i] = v
		grad[i] = (b.Func(xh) - f) / (v - x[i])
		xh[i] = x[i]
		if math.IsNaN(grad[i]) || math.IsInf(grad[i], 0) {
			grad[i] = 0
		}
	}
}

func (b *Local) Run(iterations int) {
	b.PrintHeader()
	settings := &opt.Settings{
		MajorIterations:   iterations,
		GradientThreshold: b.GradientThreshold,
		Recorder:          b,
	}
	problem := opt.Problem{Func: b.Func}
	if b.dH > 0 {
		problem.Grad = b.Grad
	}

	res, err := opt.Minimize(problem, b.start, settings, b.method)

	if err != nil {
		log.Warning("Optimization error: ", err)
	}
	if res != nil {
		log.Info("Status: ", res.Status)
	}
	log.Infof("Finished %s", b.name)
	log.Noticef("Maximum: %v", b.maxL)
	log.Infof("Function calls: %v", b.calls)
	b.PrintLine(b.maxLPar, b.maxL)
}
