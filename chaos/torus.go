package chaos

import (
	"fmt"
	"math"
)

// Torus is a quasi-periodic attractor: two independent phase circles with
// frequencies f1 and f2. With an irrational frequency ratio the combined
// orbit never repeats while each component stays perfectly regular, which
// makes it the tame counterpart to the Lorenz system.
type Torus struct {
	*core
	f1, f2 float64
}

// NewTorus creates a torus attractor with both phases seeded at zero.
func NewTorus(sampleRate, f1, f2 float64) (*Torus, error) {
	if !(f1 > 0) || !(f2 > 0) || math.IsInf(f1, 0) || math.IsInf(f2, 0) {
		return nil, fmt.Errorf("chaos: torus frequencies must be positive and finite: f1=%g f2=%g", f1, f2)
	}
	tr := &Torus{f1: f1, f2: f2}
	sys := func(_ float64, y, dydt []float64) {
		dydt[0] = 2 * math.Pi * tr.f1
		dydt[1] = 2 * math.Pi * tr.f2
	}
	c, err := newCore(2, sys, []float64{0, 0}, sampleRate)
	if err != nil {
		return nil, err
	}
	tr.core = c
	return tr, nil
}

// Process advances both phases by one sample tick and returns the
// tanh-normalized mix of the two circle components.
func (tr *Torus) Process() float64 {
	tr.tick()
	tr.mu.Lock()
	out := math.Tanh(math.Sin(tr.state[0]) + math.Sin(tr.state[1]))
	// Keep the phases wrapped so the state norm stays meaningful.
	tr.state[0] = wrapAngle(tr.state[0])
	tr.state[1] = wrapAngle(tr.state[1])
	tr.mu.Unlock()
	return out
}

// Normalized returns the circle projection sin(theta_i) of phase i.
func (tr *Torus) Normalized(i int) float64 {
	return math.Sin(tr.Component(i))
}

// AnalyzePattern rates the orbit by the rationality of f1/f2: a low-order
// rational ratio closes the orbit (periodic), an irrational one covers the
// torus densely (quasi-periodic). Divergence is zero; the circle flow has
// no sensitive dependence.
func (tr *Torus) AnalyzePattern() Pattern {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return Pattern{
		Periodicity: ratioPeriodicity(tr.f1 / tr.f2),
		Divergence:  0,
		Complexity:  tr.normComplexity(),
	}
}

// ratioPeriodicity returns 1 for low-order rational ratios, decaying with
// the order of the smallest matching denominator, and 0 when no reasonable
// rational approximation exists.
func ratioPeriodicity(r float64) float64 {
	for q := 1; q <= 64; q++ {
		m := r * float64(q)
		if math.Abs(m-math.Round(m)) < 1e-6 {
			return 1.0 / (1.0 + math.Log2(float64(q)))
		}
	}
	return 0
}

// wrapAngle maps an angle into (-pi, pi].
func wrapAngle(x float64) float64 {
	x = math.Mod(x+math.Pi, 2*math.Pi)
	if x < 0 {
		x += 2 * math.Pi
	}
	return x - math.Pi
}
