package analysis

import (
	"math"
	"testing"
)

// integrate integrates exp(LogDensity) over the prior range.
func integrate(p Prior) float64 {
	min, max := p.Range()
	n := 200000
	h := (max - min) / float64(n)
	s := 0.0
	for i := 0; i < n; i++ {
		s += math.Exp(p.LogDensity(min+(float64(i)+0.5)*h)) * h
	}
	return s
}

func TestPriorsNormalized(tst *testing.T) {
	flat, _ := NewFlat(-1, 3)
	gauss, _ := NewGauss(-1, 3, 0.5, 0.3, 0.8)
	scale, _ := NewScale(0.1, 10)
	for _, p := range []Prior{flat, gauss, scale} {
		if v := integrate(p); math.Abs(v-1) > 1e-4 {
			tst.Errorf("%s: integral %v", p, v)
		}
		if !math.IsInf(p.LogDensity(100), -1) {
			tst.Errorf("%s: non-zero density out of range", p)
		}
	}
}

func TestPriorSample(tst *testing.T) {
	gauss, _ := NewGauss(-1, 3, 0.5, 0.3, 0.8)
	scale, _ := NewScale(0.1, 10)
	for _, p := range []Prior{gauss, scale} {
		// the sample transform is the inverse CDF
		min, _ := p.Range()
		for _, u := range []float64{0.1, 0.5, 0.9} {
			x := p.Sample(u)
			n := 100000
			h := (x - min) / float64(n)
			c := 0.0
			for i := 0; i < n; i++ {
				c += math.Exp(p.LogDensity(min+(float64(i)+0.5)*h)) * h
			}
			if math.Abs(c-u) > 1e-4 {
				tst.Errorf("%s: CDF(Sample(%v)) = %v", p, u, c)
			}
		}
	}
}

func TestIsFlat(tst *testing.T) {
	flat, _ := NewFlat(0, 1)
	// same variance as the flat prior, but not flat
	gauss, _ := NewGauss(0, 1, 0.5, 1/math.Sqrt(12), 1/math.Sqrt(12))
	if !flat.IsFlat() || gauss.IsFlat() {
		tst.Error("incorrect flatness")
	}
	r, err := flat.Restrict(0.2, 0.4)
	if err != nil || !r.IsFlat() {
		tst.Error("restricted flat prior is not flat: ", err)
	}
}

func TestScaleVariance(tst *testing.T) {
	p, _ := NewScale(1, 100)
	n := 200000
	h := 99.0 / float64(n)
	m1, m2 := 0.0, 0.0
	for i := 0; i < n; i++ {
		x := 1 + (float64(i)+0.5)*h
		w := math.Exp(p.LogDensity(x)) * h
		m1 += w * x
		m2 += w * x * x
	}
	if v := m2 - m1*m1; math.Abs(v-p.Variance())/v > 1e-3 {
		tst.Errorf("variance %v, expected %v", p.Variance(), v)
	}
}
