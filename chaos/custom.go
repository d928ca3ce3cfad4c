package chaos

import (
	"fmt"
	"math"
)

// Custom wraps a user-supplied dynamical system behind the Attractor
// interface. The system is integrated with the same adaptive solver and
// instability recovery as the stock attractors.
type Custom struct {
	*core
}

// NewCustom creates an attractor from an arbitrary system. seed sets both
// the initial state and the recovery state after instability.
func NewCustom(sampleRate float64, dim int, sys System, seed []float64) (*Custom, error) {
	if sys == nil {
		return nil, fmt.Errorf("chaos: custom system must not be nil")
	}
	c, err := newCore(dim, sys, seed, sampleRate)
	if err != nil {
		return nil, err
	}
	return &Custom{core: c}, nil
}

// Process advances by one sample tick and returns tanh(state[0]).
func (a *Custom) Process() float64 {
	return math.Tanh(a.tick())
}

// Normalized returns state component i mapped through tanh.
func (a *Custom) Normalized(i int) float64 {
	return math.Tanh(a.Component(i))
}

// AnalyzePattern reports only the generic complexity measure; periodicity
// and divergence of an arbitrary system are not estimated.
func (a *Custom) AnalyzePattern() Pattern {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Pattern{Complexity: a.normComplexity()}
}
