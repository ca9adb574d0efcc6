package analysis

import (
	"strconv"
	"strings"
)

// Parameter describes a single fit parameter. The range of a parameter
// is the range of its prior.
type Parameter struct {
	// Name is the unique parameter name.
	Name string
	// Value is the current value.
	Value float64
	// Nuisance is true for parameters which are varied but are not
	// of primary interest.
	Nuisance bool
	// Discrete is true for parameters taking integer values only.
	Discrete bool
	// Prior is the prior distribution of the parameter.
	Prior Prior
}

// Min returns the lower bound of the parameter.
func (p Parameter) Min() float64 {
	min, _ := p.Prior.Range()
	return min
}

// Max returns the upper bound of the parameter.
func (p Parameter) Max() float64 {
	_, max := p.Prior.Range()
	return max
}

// InRange checks if v is within the parameter range.
func (p Parameter) InRange(v float64) bool {
	min, max := p.Prior.Range()
	return v >= min && v <= max
}

// Description is a persistent description of a parameter.
type Description struct {
	Name     string  `json:"name"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Nuisance bool    `json:"nuisance"`
	Prior    string  `json:"prior"`
}

// Parameters is an ordered list of parameters.
type Parameters []Parameter

// Names returns the parameter names.
func (ps Parameters) Names() []string {
	s := make([]string, len(ps))
	for i, p := range ps {
		s[i] = p.Name
	}
	return s
}

// NamesString returns tab separated parameter names.
func (ps Parameters) NamesString() string {
	return strings.Join(ps.Names(), "\t")
}

// ValuesString returns tab separated values.
func ValuesString(v []float64) string {
	s := make([]string, len(v))
	for i, x := range v {
		s[i] = strconv.FormatFloat(x, 'f', 6, 64)
	}
	return strings.Join(s, "\t")
}
