package chaos

import (
	"fmt"
	"math"
)

// Canonical Lorenz parameters.
const (
	DefaultRho   = 28.0
	DefaultSigma = 10.0
	DefaultBeta  = 8.0 / 3.0

	// firstBifurcationRho is the onset of non-periodic behavior; below it
	// the Lorenz system settles onto fixed points or limit cycles.
	firstBifurcationRho = 24.74
	// classicChaosRho marks the fully chaotic regime.
	classicChaosRho = 28.0

	// lorenzOutputScale maps the typical +-20 excursion of x into the
	// near-linear region of tanh.
	lorenzOutputScale = 10.0

	lorenzSeed = 0.1
)

// Lorenz is the three-dimensional Lorenz attractor. With the canonical
// parameters it orbits the familiar butterfly; lowering rho below the first
// bifurcation makes it settle into a periodic regime.
type Lorenz struct {
	*core
	rho, sigma, beta float64
}

// NewLorenz creates a Lorenz attractor with the given parameters, seeded at
// (0.1, 0.1, 0.1) and ticking at sampleRate.
func NewLorenz(sampleRate, rho, sigma, beta float64) (*Lorenz, error) {
	for _, p := range [...]float64{rho, sigma, beta} {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, fmt.Errorf("chaos: lorenz parameters must be finite: rho=%g sigma=%g beta=%g", rho, sigma, beta)
		}
	}
	l := &Lorenz{rho: rho, sigma: sigma, beta: beta}
	sys := func(_ float64, y, dydt []float64) {
		dydt[0] = l.sigma * (y[1] - y[0])
		dydt[1] = y[0]*(l.rho-y[2]) - y[1]
		dydt[2] = y[0]*y[1] - l.beta*y[2]
	}
	c, err := newCore(3, sys, []float64{lorenzSeed, lorenzSeed, lorenzSeed}, sampleRate)
	if err != nil {
		return nil, err
	}
	l.core = c
	return l, nil
}

// NewLorenzDefault creates a Lorenz attractor in the classic chaotic regime.
func NewLorenzDefault(sampleRate float64) (*Lorenz, error) {
	return NewLorenz(sampleRate, DefaultRho, DefaultSigma, DefaultBeta)
}

// Process advances by one sample tick and returns tanh(x/10).
func (l *Lorenz) Process() float64 {
	return math.Tanh(l.tick() / lorenzOutputScale)
}

// Normalized returns state component i mapped through tanh(v/10).
func (l *Lorenz) Normalized(i int) float64 {
	return math.Tanh(l.Component(i) / lorenzOutputScale)
}

// Rho returns the current rho parameter.
func (l *Lorenz) Rho() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rho
}

// SetRho updates the rho parameter without restarting the orbit.
func (l *Lorenz) SetRho(rho float64) {
	if math.IsNaN(rho) || math.IsInf(rho, 0) {
		return
	}
	l.mu.Lock()
	l.rho = rho
	l.mu.Unlock()
}

// AnalyzePattern classifies the dynamics from the rho regime and the orbit.
// Periodicity is 1 below the first bifurcation at rho = 24.74 and fades to 0
// at the classic chaotic regime; Divergence rises above rho = 28.
func (l *Lorenz) AnalyzePattern() Pattern {
	l.mu.Lock()
	defer l.mu.Unlock()

	periodicity := 1.0
	if l.rho >= firstBifurcationRho {
		periodicity = clamp01(1 - (l.rho-firstBifurcationRho)/(classicChaosRho-firstBifurcationRho))
	}
	divergence := 0.0
	if l.rho > classicChaosRho {
		divergence = clamp01((l.rho - classicChaosRho) / classicChaosRho)
	}
	return Pattern{
		Periodicity: periodicity,
		Divergence:  divergence,
		Complexity:  l.normComplexity(),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
