// Package chaos implements adaptive ODE integration and the chaotic
// attractors used as modulation sources.
package chaos

import (
	"errors"
	"fmt"
	"math"
)

const (
	defaultInitialStep   = 1e-3
	defaultMinStep       = 1e-9
	defaultMaxStep       = 1e-1
	defaultTolerance     = 1e-6
	defaultStability     = 1e6
	defaultNormThreshold = 1e4
	defaultMaxIterations = 1000

	// PI step-size controller gains and clamp.
	stepPropGain   = 0.7
	stepIntGain    = 0.4
	stepSafety     = 0.9
	stepFactorMin  = 0.1
	stepFactorMax  = 10.0
	relativeErrEps = 1e-12
)

// ErrUnstable reports that integration diverged: a state component became
// non-finite, exceeded the stability threshold, or the iteration budget for
// a single step ran out.
var ErrUnstable = errors.New("chaos: integration unstable")

// System computes the derivative dy/dt at time t and writes it into dydt.
// Implementations must not retain or resize the slices.
type System func(t float64, y, dydt []float64)

// Config holds the tunable limits of the adaptive solver.
type Config struct {
	InitialStep            float64
	MinStep                float64
	MaxStep                float64
	Tolerance              float64
	StabilityThreshold     float64
	NormalizationThreshold float64
	MaxIterations          int
}

// DefaultConfig returns the solver limits used by the stock attractors.
func DefaultConfig() Config {
	return Config{
		InitialStep:            defaultInitialStep,
		MinStep:                defaultMinStep,
		MaxStep:                defaultMaxStep,
		Tolerance:              defaultTolerance,
		StabilityThreshold:     defaultStability,
		NormalizationThreshold: defaultNormThreshold,
		MaxIterations:          defaultMaxIterations,
	}
}

func (c Config) validate() error {
	if !(c.InitialStep > 0) || math.IsInf(c.InitialStep, 0) {
		return fmt.Errorf("chaos: initial step must be positive and finite: %g", c.InitialStep)
	}
	if !(c.MinStep > 0) || c.MinStep > c.MaxStep {
		return fmt.Errorf("chaos: step bounds must satisfy 0 < min <= max: [%g, %g]", c.MinStep, c.MaxStep)
	}
	if c.InitialStep < c.MinStep || c.InitialStep > c.MaxStep {
		return fmt.Errorf("chaos: initial step %g outside [%g, %g]", c.InitialStep, c.MinStep, c.MaxStep)
	}
	if !(c.Tolerance > 0) {
		return fmt.Errorf("chaos: tolerance must be positive: %g", c.Tolerance)
	}
	if !(c.StabilityThreshold > 0) {
		return fmt.Errorf("chaos: stability threshold must be positive: %g", c.StabilityThreshold)
	}
	if !(c.NormalizationThreshold > 0) {
		return fmt.Errorf("chaos: normalization threshold must be positive: %g", c.NormalizationThreshold)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("chaos: max iterations must be >= 1: %d", c.MaxIterations)
	}
	return nil
}

// Solver integrates a System with classic fourth-order Runge-Kutta steps,
// estimating local error by step doubling and adapting the step size with a
// PI controller. All scratch space is allocated at construction; Step and
// Advance perform no allocation.
type Solver struct {
	cfg Config
	dim int

	h         float64
	steps     uint64
	rejected  uint64
	lastErr   float64
	prevErr   float64
	normCount uint64

	k1, k2, k3, k4 []float64
	yStage         []float64
	yFull          []float64
	yHalf          []float64
}

// NewSolver creates a solver for systems of the given dimension.
func NewSolver(dim int, cfg Config) (*Solver, error) {
	if dim < 1 {
		return nil, fmt.Errorf("chaos: dimension must be >= 1: %d", dim)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Solver{
		cfg:     cfg,
		dim:     dim,
		h:       cfg.InitialStep,
		prevErr: 1,
		k1:      make([]float64, dim),
		k2:      make([]float64, dim),
		k3:      make([]float64, dim),
		k4:      make([]float64, dim),
		yStage:  make([]float64, dim),
		yFull:   make([]float64, dim),
		yHalf:   make([]float64, dim),
	}, nil
}

// Dimension returns the system dimension the solver was built for.
func (s *Solver) Dimension() int { return s.dim }

// StepSize returns the step size that the next Step will attempt.
func (s *Solver) StepSize() float64 { return s.h }

// Steps returns the number of accepted steps since construction or Reset.
func (s *Solver) Steps() uint64 { return s.steps }

// LastError returns the relative error estimate of the last accepted step.
func (s *Solver) LastError() float64 { return s.lastErr }

// NormalizationCount returns how often the state has been rescaled back to
// the normalization threshold.
func (s *Solver) NormalizationCount() uint64 { return s.normCount }

// Reset restores the initial step size and clears the step statistics.
func (s *Solver) Reset() {
	s.h = s.cfg.InitialStep
	s.steps = 0
	s.rejected = 0
	s.lastErr = 0
	s.prevErr = 1
	s.normCount = 0
}

// Step advances y by one accepted adaptive step and returns the step size
// actually taken. y must have the solver's dimension. The step size for the
// following call is adjusted from the error estimate.
func (s *Solver) Step(sys System, t float64, y []float64) (float64, error) {
	if len(y) != s.dim {
		return 0, fmt.Errorf("chaos: state dimension %d, want %d", len(y), s.dim)
	}

	h := s.h
	for iter := 0; iter < s.cfg.MaxIterations; iter++ {
		// One full step against two half steps.
		s.rk4(sys, t, y, h, s.yFull)
		s.rk4(sys, t, y, h/2, s.yHalf)
		s.rk4(sys, t+h/2, s.yHalf, h/2, s.yHalf)

		relErr := 0.0
		finite := true
		for i := 0; i < s.dim; i++ {
			d := math.Abs(s.yFull[i]-s.yHalf[i]) / (math.Abs(s.yHalf[i]) + relativeErrEps)
			if d > relErr {
				relErr = d
			}
			if math.IsNaN(s.yHalf[i]) || math.IsInf(s.yHalf[i], 0) {
				finite = false
			}
		}
		if !finite {
			return 0, fmt.Errorf("%w: non-finite state at t=%g", ErrUnstable, t)
		}

		if relErr <= s.cfg.Tolerance || h <= s.cfg.MinStep {
			// Accept the half-step result (higher order locally).
			copy(y, s.yHalf)

			for i := 0; i < s.dim; i++ {
				if math.Abs(y[i]) > s.cfg.StabilityThreshold {
					return 0, fmt.Errorf("%w: |y[%d]|=%g exceeds threshold", ErrUnstable, i, math.Abs(y[i]))
				}
			}
			s.normalize(y)

			s.lastErr = relErr
			s.steps++
			s.h = s.nextStep(h, relErr)
			s.prevErr = math.Max(relErr/s.cfg.Tolerance, relativeErrEps)
			return h, nil
		}

		s.rejected++
		h = s.nextStep(h, relErr)
	}
	return 0, fmt.Errorf("%w: no acceptable step within %d iterations", ErrUnstable, s.cfg.MaxIterations)
}

// Advance integrates y forward by exactly dt, taking as many adaptive steps
// as needed. The final step is shortened to land on t+dt.
func (s *Solver) Advance(sys System, t float64, y []float64, dt float64) error {
	if dt <= 0 {
		return nil
	}
	remaining := dt
	for iter := 0; iter < s.cfg.MaxIterations; iter++ {
		if remaining <= 0 {
			return nil
		}
		saved := s.h
		capped := s.h > remaining
		if capped {
			s.h = remaining
		}
		taken, err := s.Step(sys, t+dt-remaining, y)
		if capped && s.h > saved {
			// A shortened landing step must not inflate the cruising step.
			s.h = saved
		}
		if err != nil {
			return err
		}
		remaining -= taken
	}
	if remaining > 1e-12 {
		return fmt.Errorf("%w: advance by %g stalled with %g remaining", ErrUnstable, dt, remaining)
	}
	return nil
}

// rk4 writes the classic Runge-Kutta update of y over step h into dst.
func (s *Solver) rk4(sys System, t float64, y []float64, h float64, dst []float64) {
	sys(t, y, s.k1)
	for i := 0; i < s.dim; i++ {
		s.yStage[i] = y[i] + 0.5*h*s.k1[i]
	}
	sys(t+0.5*h, s.yStage, s.k2)
	for i := 0; i < s.dim; i++ {
		s.yStage[i] = y[i] + 0.5*h*s.k2[i]
	}
	sys(t+0.5*h, s.yStage, s.k3)
	for i := 0; i < s.dim; i++ {
		s.yStage[i] = y[i] + h*s.k3[i]
	}
	sys(t+h, s.yStage, s.k4)
	for i := 0; i < s.dim; i++ {
		dst[i] = y[i] + h/6*(s.k1[i]+2*s.k2[i]+2*s.k3[i]+s.k4[i])
	}
}

// nextStep applies the PI controller to propose the next step size.
func (s *Solver) nextStep(h, relErr float64) float64 {
	scaled := math.Max(relErr/s.cfg.Tolerance, relativeErrEps)
	factor := stepSafety * math.Pow(scaled, -stepPropGain) * math.Pow(s.prevErr, stepIntGain)
	if factor < stepFactorMin {
		factor = stepFactorMin
	} else if factor > stepFactorMax {
		factor = stepFactorMax
	}
	h *= factor
	if h < s.cfg.MinStep {
		h = s.cfg.MinStep
	} else if h > s.cfg.MaxStep {
		h = s.cfg.MaxStep
	}
	return h
}

// normalize rescales y onto the normalization sphere when its L2 norm has
// grown past the threshold. Keeps orbits bounded without changing direction.
func (s *Solver) normalize(y []float64) {
	var sumSq float64
	for _, v := range y {
		sumSq += v * v
	}
	norm := math.Sqrt(sumSq)
	if norm <= s.cfg.NormalizationThreshold {
		return
	}
	scale := s.cfg.NormalizationThreshold / norm
	for i := range y {
		y[i] *= scale
	}
	s.normCount++
}
