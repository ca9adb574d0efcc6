package mcmc

// Stats are running statistics of a chain, updated after every
// iteration with Welford's algorithm.
type Stats struct {
	IterationsTotal    int `json:"iterationsTotal"`
	IterationsAccepted int `json:"iterationsAccepted"`
	IterationsRejected int `json:"iterationsRejected"`
	// IterationsInvalid counts candidates out of range and failed
	// evaluations. They are included in IterationsRejected.
	IterationsInvalid  int `json:"iterationsInvalid"`

	// Mode is the state with the highest posterior seen so far.
	Mode State     `json:"mode"`
	// Mean is the running mean of the points.
	Mean []float64 `json:"mean"`
	// M2 is the running sum of squared deviations of the points.
	M2   []float64 `json:"m2"`

	MeanPosterior float64 `json:"meanPosterior"`
	M2Posterior   float64 `json:"m2Posterior"`
	// N is the number of states included in the moments.
	N             int     `json:"n"`
}

// add updates the running moments and the mode with a state.
func (st *Stats) add(s State) {
	if st.Mean == nil {
		st.Mean = make([]float64, len(s.Point))
		st.M2 = make([]float64, len(s.Point))
	}
	if st.Mode.Point == nil || s.LogPosterior > st.Mode.LogPosterior {
		st.Mode = s
	}
	st.N++
	n := float64(st.N)
	for i, x := range s.Point {
		delta := x - st.Mean[i]
		st.Mean[i] += delta / n
		st.M2[i] += delta * (x - st.Mean[i])
	}
	delta := s.LogPosterior - st.MeanPosterior
	st.MeanPosterior += delta / n
	st.M2Posterior += delta * (s.LogPosterior - st.MeanPosterior)
}

// Variance returns the unbiased variance of every coordinate.
func (st Stats) Variance() []float64 {
	v := make([]float64, len(st.M2))
	if st.N < 2 {
		return v
	}
	for i := range v {
		v[i] = st.M2[i] / float64(st.N-1)
	}
	return v
}

// VariancePosterior returns the unbiased variance of the
// log-posterior.
func (st Stats) VariancePosterior() float64 {
	if st.N < 2 {
		return 0
	}
	return st.M2Posterior / float64(st.N-1)
}

// Efficiency returns the fraction of accepted iterations.
func (st Stats) Efficiency() float64 {
	if st.IterationsTotal == 0 {
		return 0
	}
	return float64(st.IterationsAccepted) / float64(st.IterationsTotal)
}

// clone returns a deep copy.
func (st Stats) clone() Stats {
	st.Mean = append([]float64(nil), st.Mean...)
	st.M2 = append([]float64(nil), st.M2...)
	return st
}

// Recompute builds statistics of a stored history which started at
// the state start. A repeated point counts as a rejection. Invalid
// iterations cannot be told apart from other rejections.
func Recompute(start State, h History) Stats {
	var st Stats
	prev := start
	for _, s := range h {
		st.add(s)
		st.IterationsTotal++
		if equalPoints(s.Point, prev.Point) {
			st.IterationsRejected++
		} else {
			st.IterationsAccepted++
		}
		prev = s
	}
	return st
}

func equalPoints(a, b []float64) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
