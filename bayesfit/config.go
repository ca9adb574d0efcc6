package main

import (
	"encoding/json"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/bayesfit/bayesfit/analysis"
	"github.com/bayesfit/bayesfit/likelihood"
	"github.com/bayesfit/bayesfit/mcmc"
	"github.com/bayesfit/bayesfit/pmc"
)

// priorSettings describes a prior in the run description.
type priorSettings struct {
	// Type is flat, gauss or scale.
	Type       string  `yaml:"type"`
	Central    float64 `yaml:"central"`
	Sigma      float64 `yaml:"sigma"`
	SigmaLower float64 `yaml:"sigma_lower"`
	SigmaUpper float64 `yaml:"sigma_upper"`
}

type parameterSettings struct {
	Name string  `yaml:"name"`
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
	// Value is the starting value, by default the prior center.
	Value    *float64      `yaml:"value"`
	Nuisance bool          `yaml:"nuisance"`
	Discrete bool          `yaml:"discrete"`
	Prior    priorSettings `yaml:"prior"`
}

type constraintSettings struct {
	Name      string  `yaml:"name"`
	Parameter string  `yaml:"parameter"`
	Mean      float64 `yaml:"mean"`
	Sigma     float64 `yaml:"sigma"`
}

type modeSettings struct {
	Weight float64   `yaml:"weight"`
	Mean   []float64 `yaml:"mean"`
	Sigma  []float64 `yaml:"sigma"`
}

type likelihoodSettings struct {
	Constraints []constraintSettings `yaml:"constraints"`
	Modes       []modeSettings       `yaml:"modes"`
}

// runSettings is the run description read from a YAML file.
type runSettings struct {
	Parameters []parameterSettings      `yaml:"parameters"`
	Likelihood likelihoodSettings       `yaml:"likelihood"`
	Partitions []mcmc.Partition         `yaml:"partitions"`
	MCMC       mcmc.Config              `yaml:"mcmc"`
	PMC        pmc.Config               `yaml:"pmc"`
	Optimize   analysis.OptimizeOptions `yaml:"optimize"`
}

// readRunSettings reads a run description, the algorithm settings
// missing from the file keep their default values.
func readRunSettings(fn string) (*runSettings, error) {
	data, err := os.ReadFile(fn)
	if err != nil {
		return nil, err
	}
	rs := &runSettings{
		MCMC:     mcmc.NewConfig(),
		PMC:      pmc.NewConfig(),
		Optimize: analysis.NewOptimizeOptions(),
	}
	if err := yaml.Unmarshal(data, rs); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", fn)
	}
	if len(rs.Parameters) == 0 {
		return nil, errors.Errorf("%s: no parameters", fn)
	}
	return rs, nil
}

func (ps priorSettings) create(min, max float64) (analysis.Prior, float64, error) {
	switch ps.Type {
	case "", "flat":
		p, err := analysis.NewFlat(min, max)
		return p, 0.5 * (min + max), err
	case "gauss":
		lower, upper := ps.SigmaLower, ps.SigmaUpper
		if lower == 0 {
			lower = ps.Sigma
		}
		if upper == 0 {
			upper = ps.Sigma
		}
		p, err := analysis.NewGauss(min, max, ps.Central, lower, upper)
		return p, ps.Central, err
	case "scale":
		p, err := analysis.NewScale(min, max)
		return p, math.Sqrt(min * max), err
	}
	return nil, 0, errors.Errorf("unknown prior type %q", ps.Type)
}

// analysis creates the posterior model.
func (rs *runSettings) analysis() (*analysis.Analysis, error) {
	pars := make(analysis.Parameters, len(rs.Parameters))
	index := make(map[string]int, len(rs.Parameters))
	for i, p := range rs.Parameters {
		prior, center, err := p.Prior.create(p.Min, p.Max)
		if err != nil {
			return nil, errors.Wrapf(err, "parameter %s", p.Name)
		}
		if p.Value != nil {
			center = *p.Value
		}
		pars[i] = analysis.Parameter{
			Name:     p.Name,
			Value:    center,
			Nuisance: p.Nuisance,
			Discrete: p.Discrete,
			Prior:    prior,
		}
		index[p.Name] = i
	}

	var factors likelihood.Product
	if len(rs.Likelihood.Constraints) > 0 {
		cs := make([]likelihood.Constraint, len(rs.Likelihood.Constraints))
		for i, c := range rs.Likelihood.Constraints {
			k, ok := index[c.Parameter]
			if !ok {
				return nil, errors.Wrapf(analysis.ErrUnknownParameter, "constraint %s: %s", c.Name, c.Parameter)
			}
			cs[i] = likelihood.Constraint{Name: c.Name, Parameter: k, Mean: c.Mean, Sigma: c.Sigma}
		}
		g, err := likelihood.NewGaussian(cs...)
		if err != nil {
			return nil, err
		}
		factors = append(factors, g)
	}
	if len(rs.Likelihood.Modes) > 0 {
		modes := make([]likelihood.Mode, len(rs.Likelihood.Modes))
		for i, m := range rs.Likelihood.Modes {
			if len(m.Mean) != len(pars) {
				return nil, errors.Errorf("mode %d has %d coordinates, there are %d parameters", i, len(m.Mean), len(pars))
			}
			modes[i] = likelihood.Mode{Weight: m.Weight, Mean: m.Mean, Sigma: m.Sigma}
		}
		m, err := likelihood.NewMixture(modes...)
		if err != nil {
			return nil, err
		}
		factors = append(factors, m)
	}
	if len(factors) == 0 {
		return nil, errors.New("likelihood has neither constraints nor modes")
	}
	return analysis.New(factors, pars)
}

// lastLine returns the last line of a file content.
func lastLine(fn string) (line string, err error) {
	data, err := os.ReadFile(fn)
	if err != nil {
		return "", err
	}
	for _, l := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(l) != "" {
			line = l
		}
	}
	return line, nil
}

// readStart reads the starting point either from the last line of a
// whitespace separated table or from a JSON object mapping parameter
// names to values. Parameters missing from the JSON object keep their
// current values.
func readStart(fn string, a *analysis.Analysis) ([]float64, error) {
	point := a.Values()
	l, err := lastLine(fn)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(l)
	if len(fields) >= len(point) {
		ok := true
		for i := range point {
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				ok = false
				break
			}
			point[i] = v
		}
		if ok {
			return point, a.CheckRange(point)
		}
	}
	log.Debug("Reading start file as JSON")
	data, err := os.ReadFile(fn)
	if err != nil {
		return nil, err
	}
	var values map[string]float64
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, errors.Wrapf(err, "reading start position from %s", fn)
	}
	for name, v := range values {
		i, err := a.Index(name)
		if err != nil {
			return nil, err
		}
		point[i] = v
	}
	return point, a.CheckRange(point)
}
