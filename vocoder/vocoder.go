// Package vocoder implements a phase-vocoder transformation for grain
// buffers. Magnitudes stay in place; synthesis phases advance at a rate
// scaled by the requested pitch and stretch factors, with transient
// frames resetting phase to preserve attacks.
package vocoder

import (
	"fmt"
	"math"

	"github.com/cwbudde/algo-dsp/dsp/window"
	algofft "github.com/cwbudde/algo-fft"
)

const (
	// DefaultFrameSize is the FFT size used when the caller has no
	// preference.
	DefaultFrameSize = 2048

	// DefaultTransientThreshold is the spectral-flux ratio above which
	// a frame counts as a transient.
	DefaultTransientThreshold = 0.2

	minFrameSize = 64
	normFloor    = 1e-12
	energyFloor  = 1e-12
)

// Processor transforms one mono grain buffer at a time. All scratch is
// allocated at construction; ProcessBuffer does not allocate. Not safe
// for concurrent use.
type Processor struct {
	frameSize int
	hop       int
	maxFrames int
	threshold float64

	plan *algofft.Plan[complex128]
	win  []float64

	omega     []float64
	prevPhase []float64
	sumPhase  []float64
	prevMag   []float64
	mag       []float64
	freq      []float64

	frame []complex128
	spec  []complex128
	ola   []float64
	norm  []float64
}

// New builds a processor for buffers of up to maxFrames frames.
// frameSize must be a power of two and at least 64.
func New(frameSize, maxFrames int) (*Processor, error) {
	if frameSize < minFrameSize || frameSize&(frameSize-1) != 0 {
		return nil, fmt.Errorf("vocoder: frame size must be a power of two >= %d: %d", minFrameSize, frameSize)
	}
	if maxFrames < 1 {
		return nil, fmt.Errorf("vocoder: max frames must be positive: %d", maxFrames)
	}
	plan, err := algofft.NewPlan64(frameSize)
	if err != nil {
		return nil, fmt.Errorf("vocoder: FFT plan: %w", err)
	}

	p := &Processor{
		frameSize: frameSize,
		hop:       frameSize / 4,
		maxFrames: maxFrames,
		threshold: DefaultTransientThreshold,
		plan:      plan,
		win:       window.Generate(window.TypeHann, frameSize, window.WithPeriodic()),
	}

	bins := frameSize/2 + 1
	p.omega = make([]float64, bins)
	for k := range p.omega {
		p.omega[k] = 2 * math.Pi * float64(k) / float64(frameSize)
	}
	p.prevPhase = make([]float64, bins)
	p.sumPhase = make([]float64, bins)
	p.prevMag = make([]float64, bins)
	p.mag = make([]float64, bins)
	p.freq = make([]float64, bins)
	p.frame = make([]complex128, frameSize)
	p.spec = make([]complex128, frameSize)
	p.ola = make([]float64, maxFrames+frameSize)
	p.norm = make([]float64, maxFrames+frameSize)

	return p, nil
}

// FrameSize returns the FFT size.
func (p *Processor) FrameSize() int { return p.frameSize }

// Hop returns the analysis hop in frames.
func (p *Processor) Hop() int { return p.hop }

// MaxFrames returns the largest buffer ProcessBuffer accepts whole.
func (p *Processor) MaxFrames() int { return p.maxFrames }

// SetTransientThreshold replaces the spectral-flux threshold.
func (p *Processor) SetTransientThreshold(v float64) error {
	if v <= 0 || math.IsNaN(v) {
		return fmt.Errorf("vocoder: transient threshold must be positive: %g", v)
	}
	p.threshold = v
	return nil
}

// Reset clears phase tracking and the flux reference.
func (p *Processor) Reset() {
	for i := range p.prevPhase {
		p.prevPhase[i] = 0
		p.sumPhase[i] = 0
		p.prevMag[i] = 0
	}
}

// ProcessBuffer rewrites src into dst with synthesis phases advancing
// pitch*stretch times the analysis rate and returns the frames written.
// Input past maxFrames or past len(dst) is dropped. Each call is an
// independent rendering; phase state resets first. pitch = stretch = 1
// reproduces the input apart from windowing at the edges.
func (p *Processor) ProcessBuffer(dst, src []float32, pitch, stretch float64) int {
	n := len(src)
	if n > p.maxFrames {
		n = p.maxFrames
	}
	if n > len(dst) {
		n = len(dst)
	}
	if n == 0 {
		return 0
	}
	if !(pitch > 0) || math.IsInf(pitch, 1) {
		pitch = 1
	}
	if !(stretch > 0) || math.IsInf(stretch, 1) {
		stretch = 1
	}

	p.Reset()

	half := p.frameSize / 2
	hopF := float64(p.hop)
	advance := pitch * stretch
	frameCount := 1 + (n-1)/p.hop
	span := (frameCount-1)*p.hop + p.frameSize
	for i := 0; i < span; i++ {
		p.ola[i] = 0
		p.norm[i] = 0
	}

	for f := 0; f < frameCount; f++ {
		pos := f * p.hop
		for i := 0; i < p.frameSize; i++ {
			x := 0.0
			if idx := pos + i; idx < n {
				x = float64(src[idx])
			}
			p.frame[i] = complex(x*p.win[i], 0)
		}
		if err := p.plan.Forward(p.frame, p.frame); err != nil {
			return 0
		}

		energy, flux := 0.0, 0.0
		for k := 0; k <= half; k++ {
			re, im := real(p.frame[k]), imag(p.frame[k])
			m := math.Hypot(re, im)
			phase := math.Atan2(im, re)
			delta := wrapPhase(phase - p.prevPhase[k] - p.omega[k]*hopF)
			p.freq[k] = p.omega[k] + delta/hopF
			p.prevPhase[k] = phase
			p.mag[k] = m
			if d := m - p.prevMag[k]; d > 0 {
				flux += d
			}
			energy += m * m
		}
		transient := energy > energyFloor && flux/math.Sqrt(energy) > p.threshold

		for k := 0; k <= half; k++ {
			if transient {
				p.sumPhase[k] = p.prevPhase[k]
			} else {
				p.sumPhase[k] += p.freq[k] * advance * hopF
			}
			p.spec[k] = complex(p.mag[k]*math.Cos(p.sumPhase[k]), p.mag[k]*math.Sin(p.sumPhase[k]))
			p.prevMag[k] = p.mag[k]
		}

		p.spec[0] = complex(real(p.spec[0]), 0)
		p.spec[half] = complex(real(p.spec[half]), 0)
		for k := 1; k < half; k++ {
			v := p.spec[k]
			p.spec[p.frameSize-k] = complex(real(v), -imag(v))
		}

		if err := p.plan.Inverse(p.frame, p.spec); err != nil {
			return 0
		}
		for i := 0; i < p.frameSize; i++ {
			w := p.win[i]
			p.ola[pos+i] += real(p.frame[i]) * w
			p.norm[pos+i] += w * w
		}
	}

	for i := 0; i < n; i++ {
		v := p.ola[i]
		if p.norm[i] > normFloor {
			v /= p.norm[i]
		}
		dst[i] = float32(v)
	}
	return n
}

func wrapPhase(x float64) float64 {
	x = math.Mod(x+math.Pi, 2*math.Pi)
	if x < 0 {
		x += 2 * math.Pi
	}
	return x - math.Pi
}
