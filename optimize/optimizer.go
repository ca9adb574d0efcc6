// Package optimize implements maximizers of a function over a box:
// downhill simplex, L-BFGS-B, BFGS and Nelder-Mead.
package optimize

import (
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
)

// log is the global logging variable.
var log = logging.MustGetLogger("optimize")

// Objective is a function to maximize.
type Objective interface {
	// Value returns the function value at x, -Inf if it cannot
	// be computed.
	Value(x []float64) float64
	// Bounds returns the lower and the upper bounds of the domain.
	Bounds() (min, max []float64)
}

// Optimizer maximizes an objective.
type Optimizer interface {
	SetObjective(obj Objective, start []float64)
	SetNames(names []string)
	SetOutput(w io.Writer)
	WatchSignals(...os.Signal)
	SetReportPeriod(period int)
	Run(iterations int)
	GetMax() float64
	GetMaxParameters() []float64
	Calls() int
}

// New creates an optimizer given its name.
func New(method string) (Optimizer, error) {
	switch method {
	case "simplex":
		return NewDS(), nil
	case "lbfgsb":
		return NewLBFGSB(), nil
	case "bfgs":
		return NewBFGS(), nil
	case "nelder-mead":
		return NewNelderMead(), nil
	case "none":
		return NewNone(), nil
	}
	return nil, errors.Errorf("Unknown optimization method: %s", method)
}

// BaseOptimizer is embedded by all the optimizers.
type BaseOptimizer struct {
	Objective
	start     []float64
	min, max  []float64
	i         int
	calls     int
	l         float64
	maxL      float64
	maxLPar   []float64
	repPeriod int
	sig       chan os.Signal
	out       io.Writer
	// Names are used for the trajectory header.
	Names []string
}

func (o *BaseOptimizer) SetObjective(obj Objective, start []float64) {
	o.Objective = obj
	o.start = append([]float64(nil), start...)
	o.min, o.max = obj.Bounds()
	o.maxL = math.Inf(-1)
	o.maxLPar = append([]float64(nil), start...)
}

// SetNames sets parameter names used in the trajectory header.
func (o *BaseOptimizer) SetNames(names []string) {
	o.Names = names
}

func (o *BaseOptimizer) SetOutput(w io.Writer) {
	o.out = w
}

// WatchSignals makes the optimizer stop at the end of the iteration
// in which one of the signals arrives.
func (o *BaseOptimizer) WatchSignals(sigs ...os.Signal) {
	o.sig = make(chan os.Signal, 1)
	signal.Notify(o.sig, sigs...)
}

// SetReportPeriod sets the number of iterations between trajectory
// lines, zero disables them.
func (o *BaseOptimizer) SetReportPeriod(period int) {
	if period < 0 {
		period = 0
	}
	o.repPeriod = period
}

// report tells whether the current iteration is printed.
func (o *BaseOptimizer) report() bool {
	return o.repPeriod > 0 && o.i%o.repPeriod == 0
}

// signalled checks for a pending signal without blocking. Watching
// stops after the first signal.
func (o *BaseOptimizer) signalled() bool {
	if o.sig == nil {
		return false
	}
	select {
	case s := <-o.sig:
		log.Warningf("Received signal %v, exiting.", s)
		signal.Stop(o.sig)
		o.sig = nil
		return true
	default:
	}
	return false
}

// inRange checks that x is within the bounds.
func (o *BaseOptimizer) inRange(x []float64) bool {
	for i, v := range x {
		if v < o.min[i] || v > o.max[i] {
			return false
		}
	}
	return true
}

// evaluate computes the objective and keeps track of the maximum.
func (o *BaseOptimizer) evaluate(x []float64) float64 {
	if !o.inRange(x) {
		return math.Inf(-1)
	}
	o.calls++
	l := o.Value(x)
	if math.IsNaN(l) {
		l = math.Inf(-1)
	}
	if l > o.maxL {
		o.maxL = l
		copy(o.maxLPar, x)
	}
	return l
}

func (o *BaseOptimizer) PrintHeader() {
	if o.out == nil {
		return
	}
	names := o.Names
	if names == nil {
		names = make([]string, len(o.start))
		for i := range names {
			names[i] = fmt.Sprintf("x%d", i)
		}
	}
	fmt.Fprintf(o.out, "iteration\tvalue")
	for _, n := range names {
		fmt.Fprintf(o.out, "\t%s", n)
	}
	fmt.Fprintln(o.out)
}

func (o *BaseOptimizer) PrintLine(x []float64, l float64) {
	if o.out == nil {
		return
	}
	fmt.Fprintf(o.out, "%d\t%f\t%s\n", o.i, l, valuesString(x))
}

func (o *BaseOptimizer) GetMax() float64 {
	return o.maxL
}

func (o *BaseOptimizer) GetMaxParameters() []float64 {
	return append([]float64(nil), o.maxLPar...)
}

func (o *BaseOptimizer) Calls() int {
	return o.calls
}

func valuesString(x []float64) string {
	s := make([]string, len(x))
	for i, v := range x {
		s[i] = strconv.FormatFloat(v, 'f', 6, 64)
	}
	return strings.Join(s, "\t")
}
