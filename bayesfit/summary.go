package main

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"

	"github.com/bayesfit/bayesfit/mcmc"
	"github.com/bayesfit/bayesfit/pmc"
)

// The 68% central interval.
const (
	lowerPercentile = 15.865525393145708
	upperPercentile = 84.13447460685429
)

// RunSummary is storing bayesfit run summary information.
type RunSummary struct {
	// Version stores bayesfit version.
	Version string `json:"version"`
	// CommandLine is an array storing binary name and all command-line parameters.
	CommandLine []string `json:"commandLine"`
	// Seed is the seed used for random number generation initialization.
	Seed int64 `json:"seed"`
	// NThreads is the number of processes used.
	NThreads int `json:"nThreads"`
	// RunID is the id of the output file, if any.
	RunID string `json:"runId,omitempty"`
	// Time is the computations time in seconds.
	Time float64 `json:"time"`

	Prerun       *PrerunSummary       `json:"prerun,omitempty"`
	PMC          *PMCSummary          `json:"pmc,omitempty"`
	Optimization *OptimizationSummary `json:"optimization,omitempty"`
}

// Marginal summarizes the samples of one parameter.
type Marginal struct {
	Parameter string  `json:"parameter"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"stdDev"`
	Median    float64 `json:"median"`
	// Lower and Upper are the bounds of the 68% central interval.
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// ChainSummary describes a single chain.
type ChainSummary struct {
	Partition  int     `json:"partition"`
	Efficiency float64 `json:"efficiency"`
	Iterations int     `json:"iterations"`
	// Mode is the best point found by the chain.
	Mode             map[string]float64 `json:"mode"`
	ModeLogPosterior float64            `json:"modeLogPosterior"`
}

// PrerunSummary summarizes a prerun and an optional main run.
type PrerunSummary struct {
	Iterations int            `json:"iterations"`
	Converged  bool           `json:"converged"`
	Chains     []ChainSummary `json:"chains"`
	// Probabilities are the component probabilities of the
	// global-local proposal, empty without the main run.
	Probabilities  []float64  `json:"globalLocalProbabilities,omitempty"`
	MainIterations int        `json:"mainIterations,omitempty"`
	Marginals      []Marginal `json:"marginals"`
}

// PMCSummary summarizes a PMC run.
type PMCSummary struct {
	Steps      int              `json:"steps"`
	Converged  bool             `json:"converged"`
	Statistics []pmc.Statistics `json:"statistics"`
	Final      pmc.Statistics   `json:"final"`
	Components int              `json:"components"`
	Marginals  []Marginal       `json:"marginals"`
}

// OptimizationSummary is the result of a posterior mode search.
type OptimizationSummary struct {
	Method          string             `json:"method"`
	MaxLogPosterior float64            `json:"maxLogPosterior"`
	MaxParameters   map[string]float64 `json:"maxParameters"`
}

// chainSummary describes a chain.
func chainSummary(c *mcmc.Chain, partition int, names []string) ChainSummary {
	st := c.Stats()
	return ChainSummary{
		Partition:        partition,
		Efficiency:       st.Efficiency(),
		Iterations:       st.IterationsTotal,
		Mode:             namedValues(names, st.Mode.Point),
		ModeLogPosterior: st.Mode.LogPosterior,
	}
}

func namedValues(names []string, v []float64) map[string]float64 {
	m := make(map[string]float64, len(names))
	for i, n := range names {
		if i < len(v) {
			m[n] = v[i]
		}
	}
	return m
}

// marginals summarizes equally weighted points.
func marginals(names []string, points [][]float64) []Marginal {
	if len(points) == 0 {
		return nil
	}
	ms := make([]Marginal, len(names))
	data := make(stats.Float64Data, len(points))
	for i, name := range names {
		for k, p := range points {
			data[k] = p[i]
		}
		m := Marginal{Parameter: name}
		m.Mean, _ = stats.Mean(data)
		m.StdDev, _ = stats.StandardDeviation(data)
		m.Median, _ = stats.Median(data)
		var err error
		// too few points for the percentile
		if m.Lower, err = stats.Percentile(data, lowerPercentile); err != nil {
			m.Lower, _ = stats.Min(data)
		}
		if m.Upper, err = stats.Percentile(data, upperPercentile); err != nil {
			m.Upper, _ = stats.Max(data)
		}
		ms[i] = m
	}
	return ms
}

// weightedMarginals summarizes importance samples given as rows of
// point, log-posterior and log-weight.
func weightedMarginals(names []string, rows [][]float64) []Marginal {
	if len(rows) == 0 {
		return nil
	}
	d := len(names)
	maxLog := math.Inf(-1)
	for _, r := range rows {
		maxLog = math.Max(maxLog, r[d+1])
	}
	type pair struct{ x, w float64 }
	pairs := make([]pair, len(rows))
	x := make([]float64, len(rows))
	w := make([]float64, len(rows))
	ms := make([]Marginal, d)
	for i, name := range names {
		for k, r := range rows {
			pairs[k] = pair{r[i], math.Exp(r[d+1] - maxLog)}
		}
		sort.Slice(pairs, func(a, b int) bool { return pairs[a].x < pairs[b].x })
		for k, p := range pairs {
			x[k], w[k] = p.x, p.w
		}
		// normalized by the sum of weights, not frequency weights
		var sw, mean, variance float64
		for k := range x {
			sw += w[k]
			mean += w[k] * x[k]
		}
		mean /= sw
		for k := range x {
			variance += w[k] * (x[k] - mean) * (x[k] - mean)
		}
		std := math.Sqrt(variance / sw)
		ms[i] = Marginal{
			Parameter: name,
			Mean:      mean,
			StdDev:    std,
			Median:    stat.Quantile(0.5, stat.Empirical, x, w),
			Lower:     stat.Quantile(lowerPercentile/100, stat.Empirical, x, w),
			Upper:     stat.Quantile(upperPercentile/100, stat.Empirical, x, w),
		}
	}
	return ms
}
