package optimize

// None is an optimizer which computes the value at the starting point
// and exits.
type None struct {
	BaseOptimizer
}

// NewNone creates an optimizer which computes initial value only.
func NewNone() *None {
	return &None{}
}

// Run computes the value at the starting point.
func (n *None) Run(iterations int) {
	n.l = n.evaluate(n.start)
	n.PrintHeader()
	n.PrintLine(n.start, n.l)
}
