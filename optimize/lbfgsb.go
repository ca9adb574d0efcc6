package optimize

import (
	"math"

	lbfgsb "github.com/idavydov/go-lbfgsb"
)

// LBFGSB is a limited-memory BFGS optimizer with bounds constraints.
// The gradient is computed using central differences.
type LBFGSB struct {
	BaseOptimizer
	dH   float64
	grad []float64
	x    []float64
	// stopped is set by a signal
	stopped bool
}

func NewLBFGSB() (l *LBFGSB) {
	l = &LBFGSB{
		BaseOptimizer: BaseOptimizer{
			repPeriod: 10,
		},
		dH: 1e-6,
	}
	return
}

func (l *LBFGSB) Logger(info *lbfgsb.OptimizationIterationInformation) {
	l.i = info.Iteration
	l.l = -info.F
	if l.report() {
		l.PrintLine(info.X, -info.F)
	}
	if l.signalled() {
		// a zero gradient makes the next iteration the last one
		l.stopped = true
	}
}

// EvaluateFunction returns the negative objective, since L-BFGS-B is a
// minimizer.
func (l *LBFGSB) EvaluateFunction(x []float64) float64 {
	if l.stopped {
		return -l.maxL
	}
	v := l.evaluate(x)
	if math.IsInf(v, -1) {
		return math.MaxFloat64
	}
	return -v
}

func (l *LBFGSB) EvaluateGradient(x []float64) (grad []float64) {
	if l.grad == nil {
		l.grad = make([]float64, len(x))
		l.x = make([]float64, len(x))
	}
	grad = l.grad
	if l.stopped {
		for i := range grad {
			grad[i] = 0
		}
		return
	}
	copy(l.x, x)
	for i := range x {
		v1 := math.Max(x[i]-l.dH, l.min[i])
		v2 := math.Min(x[i]+l.dH, l.max[i])
		l.x[i] = v1
		l1 := -l.evaluate(l.x)
		l.x[i] = v2
		l2 := -l.evaluate(l.x)
		l.x[i] = x[i]
		grad[i] = (l2 - l1) / (v2 - v1)
		if math.IsNaN(grad[i]) || math.IsInf(grad[i], 0) {
			grad[i] = 0
		}
	}
	return
}

func (l *LBFGSB) Run(iterations int) {
	l.PrintHeader()
	bounds := make([][2]float64, len(l.start))

	for i := range l.start {
		bounds[i][0] = l.min[i] + 1e-5
		bounds[i][1] = l.max[i] - 1e-5
	}

	opt := new(lbfgsb.Lbfgsb)
	opt.SetApproximationSize(10)
	opt.SetFTolerance(1e-9)
	opt.SetGTolerance(1e-9)

	opt.SetBounds(bounds)
	opt.SetLogger(l.Logger)

	_, exitStatus := opt.Minimize(l, l.start)

	log.Info("Exit status: ", exitStatus)
	log.Info("Finished LBFGSB")
	log.Noticef("Maximum: %v", l.maxL)
	log.Infof("Function calls: %v", l.calls)
	l.PrintLine(l.maxLPar, l.maxL)
}
