package chaos

import (
	"fmt"
	"math"
	"sync"
)

// Pattern summarizes the qualitative behavior of an attractor orbit.
// All fields are normalized measures in [0, 1].
type Pattern struct {
	// Periodicity is 1 for a periodic orbit and falls toward 0 as the
	// dynamics become chaotic or quasi-periodic.
	Periodicity float64
	// Divergence estimates how strongly nearby orbits separate.
	Divergence float64
	// Complexity is the orbit's current L2 norm scaled by 1/sqrt(dim).
	Complexity float64
}

// Attractor is a continuously evolving dynamical system sampled once per
// audio frame. Process is safe to call from the audio thread: it performs
// no allocation after construction and recovers from solver instability by
// resetting to the seed state.
type Attractor interface {
	// Process advances the system by one sample tick and returns a
	// normalized scalar in [-1, 1].
	Process() float64
	// Normalized returns component i of the state mapped into [-1, 1]
	// without advancing the system. Allocation-free.
	Normalized(i int) float64
	// Reset restores the seed state and the solver's initial step.
	Reset()
	// State returns a copy of the current state vector.
	State() []float64
	// AnalyzePattern classifies the current dynamics.
	AnalyzePattern() Pattern
	// Dimension returns the state dimension.
	Dimension() int
	// SetSampleRate sets the tick rate that Process advances against.
	SetSampleRate(rate float64)
	// SetUpdateRate scales integration speed relative to real time.
	SetUpdateRate(mult float64)
}

// Stock attractors detect runaway orbits instead of rescaling them: the
// stability threshold sits below the normalization ceiling, so divergence
// surfaces as ErrUnstable and a clean reseed rather than an orbit silently
// riding the normalization sphere.
const (
	attractorStabilityThreshold     = 1e5
	attractorNormalizationThreshold = 1e6
)

// core carries the state shared by all attractor variants: the solver, the
// seed, and the per-tick advance loop with instability recovery.
type core struct {
	mu         sync.Mutex
	solver     *Solver
	sys        System
	seed       []float64
	state      []float64
	t          float64
	sampleRate float64
	rateMult   float64
	resets     uint64
}

func newCore(dim int, sys System, seed []float64, sampleRate float64) (*core, error) {
	if len(seed) != dim {
		return nil, fmt.Errorf("chaos: seed dimension %d, want %d", len(seed), dim)
	}
	if !(sampleRate > 0) || math.IsInf(sampleRate, 0) {
		return nil, fmt.Errorf("chaos: sample rate must be positive and finite: %g", sampleRate)
	}
	cfg := DefaultConfig()
	cfg.StabilityThreshold = attractorStabilityThreshold
	cfg.NormalizationThreshold = attractorNormalizationThreshold
	solver, err := NewSolver(dim, cfg)
	if err != nil {
		return nil, err
	}
	c := &core{
		solver:     solver,
		sys:        sys,
		seed:       append([]float64(nil), seed...),
		state:      append([]float64(nil), seed...),
		sampleRate: sampleRate,
		rateMult:   1,
	}
	return c, nil
}

// tick advances the system by one sample of wall time and returns state[0].
// On instability the orbit restarts from the seed; the output stays finite.
func (c *core) tick() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	dt := c.rateMult / c.sampleRate
	if err := c.solver.Advance(c.sys, c.t, c.state, dt); err != nil {
		copy(c.state, c.seed)
		c.solver.Reset()
		c.t = 0
		c.resets++
		return c.state[0]
	}
	c.t += dt
	return c.state[0]
}

// Reset restores the seed state and the solver defaults.
func (c *core) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.state, c.seed)
	c.solver.Reset()
	c.t = 0
}

// State returns a copy of the current state vector.
func (c *core) State() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.state...)
}

// Component returns one raw state component without copying.
func (c *core) Component(i int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.state) {
		return 0
	}
	return c.state[i]
}

// Dimension returns the state dimension.
func (c *core) Dimension() int { return c.solver.Dimension() }

// Resets returns how often instability forced a restart from the seed.
func (c *core) Resets() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// SetSampleRate sets the tick rate that Process advances against.
func (c *core) SetSampleRate(rate float64) {
	if !(rate > 0) || math.IsInf(rate, 0) {
		return
	}
	c.mu.Lock()
	c.sampleRate = rate
	c.mu.Unlock()
}

// SetUpdateRate scales integration speed relative to real time.
func (c *core) SetUpdateRate(mult float64) {
	if !(mult > 0) || math.IsInf(mult, 0) {
		return
	}
	c.mu.Lock()
	c.rateMult = mult
	c.mu.Unlock()
}

// normComplexity is the shared Complexity measure: L2 norm over sqrt(dim).
// Caller must hold mu.
func (c *core) normComplexity() float64 {
	var sumSq float64
	for _, v := range c.state {
		sumSq += v * v
	}
	return math.Sqrt(sumSq) / math.Sqrt(float64(len(c.state)))
}
