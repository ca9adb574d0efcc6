package optimize

import (
	"math"
)

const (
	TINY  = 1e-10
	SMALL = 1e-6
)

// DS is a downhill simplex optimizer.
type DS struct {
	BaseOptimizer
	// Delta is the initial simplex size relative to the
	// parameter range.
	Delta  float64
	ftol   float64
	repeat bool
	oldL   float64
	points [][]float64
	psum   []float64
	l      []float64
	newPar []float64
}

func NewDS() (ds *DS) {
	ds = &DS{
		Delta: 0.1,
		ftol:  TINY,
	}
	ds.repPeriod = 10
	return
}

// createSimplex creates a simplex around x. Vertices falling outside
// of the bounds are moved in the opposite direction.
func (ds *DS) createSimplex(x []float64) {
	n := len(x)
	ds.points = make([][]float64, n+1)
	ds.l = make([]float64, n+1)
	ds.points[0] = append([]float64(nil), x...)
	for i := 1; i <= n; i++ {
		p := append([]float64(nil), x...)
		j := i - 1
		d := ds.Delta * (ds.max[j] - ds.min[j])
		if p[j]+d > ds.max[j] {
			d = -d
		}
		p[j] += d
		ds.points[i] = p
	}
	for i, p := range ds.points {
		ds.l[i] = ds.evaluate(p)
	}
}

// amotry extrapolates by factor fac throught the face of the simplex accros from
// the low point, tries it, and replaces the low point if the new point is better.
func (ds *DS) amotry(ilo int, fac float64) float64 {
	if ds.newPar == nil {
		ds.newPar = make([]float64, len(ds.points[0]))
	}
	ds.calcPsum()
	ndim := len(ds.newPar)
	fac1 := (1 - fac) / float64(ndim)
	fac2 := fac1 - fac
	for j := 0; j < ndim; j++ {
		ds.newPar[j] = ds.psum[j]*fac1 - ds.points[ilo][j]*fac2
	}
	l := ds.evaluate(ds.newPar)
	if l > ds.l[ilo] {
		ds.points[ilo], ds.newPar = ds.newPar, ds.points[ilo]
		ds.l[ilo] = l
	}
	return l
}

func (ds *DS) calcPsum() {
	ds.psum = make([]float64, len(ds.points[0]))
	for i := range ds.psum {
		for _, p := range ds.points {
			ds.psum[i] += p[i]
		}
	}
}

func (ds *DS) SetObjective(obj Objective, start []float64) {
	ds.BaseOptimizer.SetObjective(obj, start)
	ds.createSimplex(start)
}

func (ds *DS) Run(iterations int) {
	// Lowest (worst), next-lowest and highest points
	var ilo, inlo, ihi int
	var llo, lnlo, lhi float64
	ds.PrintHeader()
Iter:
	for ds.i = 1; ds.i <= iterations; ds.i++ {
		if ds.l[0] < ds.l[1] {
			ilo, inlo, ihi = 0, 1, 1
		} else {
			ilo, inlo, ihi = 1, 0, 0
		}
		llo = ds.l[ilo]
		lnlo = ds.l[inlo]
		lhi = ds.l[ihi]
		for i := 2; i < len(ds.points); i++ {
			if ds.l[i] >= lhi {
				lhi = ds.l[i]
				ihi = i
			}
			if ds.l[i] < llo {
				lnlo = llo
				inlo = ilo
				llo = ds.l[i]
				ilo = i
			} else if ds.l[i] < lnlo {
				lnlo = ds.l[i]
				inlo = i
			}
		}
		ds.BaseOptimizer.l = lhi
		if ds.report() {
			log.Debugf("%d: L=%f (%f)", ds.i, lhi, lhi-llo)
			ds.PrintLine(ds.points[ihi], lhi)
		}
		rtol := 2 * math.Abs(ds.l[ihi]-ds.l[ilo]) / (math.Abs(ds.l[ilo]) + math.Abs(ds.l[ihi]) + TINY)
		if rtol < ds.ftol {
			if ds.repeat && math.Abs(ds.oldL-lhi) < SMALL {
				break Iter
			}
			ds.repeat = true
			ds.oldL = lhi
			log.Infof("converged. retrying")
			ds.createSimplex(ds.points[ihi])
			continue
		}
		l := ds.amotry(ilo, -1)
		switch {
		case l >= lhi:
			ds.amotry(ilo, 2)
		case l <= lnlo:
			lsave := llo
			l := ds.amotry(ilo, 0.5)
			if l <= lsave {
				for i, p := range ds.points {
					if i != ihi {
						for j := range p {
							p[j] = 0.5 * (p[j] + ds.points[ihi][j])
						}
						ds.l[i] = ds.evaluate(p)
					}
				}
			}
		}
		if ds.signalled() {
			break Iter
		}
	}
	if ds.i > iterations {
		log.Warningf("Iterations exceeded (%d)", iterations)
	}

	log.Info("Finished downhill simplex")
	log.Noticef("Maximum: %v", ds.maxL)
	log.Infof("Function calls: %v", ds.calls)
	ds.PrintLine(ds.maxLPar, ds.maxL)
}
