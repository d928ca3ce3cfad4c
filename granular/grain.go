package granular

import (
	"github.com/cwbudde/algo-granular/pool"
	"github.com/cwbudde/algo-granular/source"
)

// pitchEps keeps read-step computation away from division by zero.
const pitchEps = 1e-3

// grain is one slot in the cloud ring, mutated only by the audio
// thread. Direct grains read the material through the interpolator;
// rendered grains play back a pooled buffer the spectral path filled at
// spawn time.
type grain struct {
	active   bool
	hermite  bool
	mat      *source.Material
	buf      *pool.Buffer
	rendered []float32
	window   []float32
	envLen   float64 // envelope span: source frames (direct) or buffer frames (rendered)
	current  float64 // progress through the envelope span
	readPos  float64 // fractional read position
	rate     float64 // signed read increment per output frame
	absRate  float64
	gain     float32
	panL     float32
	panR     float32
}

// release deactivates the grain and returns its buffer and material
// references.
func (g *grain) release() {
	g.active = false
	if g.buf != nil {
		g.buf.Release()
		g.buf = nil
		g.rendered = nil
	}
	if g.mat != nil {
		g.mat.Release()
		g.mat = nil
	}
	g.window = nil
}

// sample reads the grain source at its current position, mono-mixed
// across material channels.
func (g *grain) sample() float32 {
	if g.rendered != nil {
		i := int(g.readPos)
		if i < 0 || i >= len(g.rendered) {
			return 0
		}
		return g.rendered[i]
	}
	m := g.mat
	if m == nil {
		return 0
	}
	ch := m.Channels()
	var s float32
	if g.hermite {
		for c := 0; c < ch; c++ {
			s += m.SampleHermite(c, g.readPos)
		}
	} else {
		for c := 0; c < ch; c++ {
			s += m.SampleLinear(c, g.readPos)
		}
	}
	if ch > 1 {
		s /= float32(ch)
	}
	return s
}

// envelope looks up the window table at the grain's progress.
func (g *grain) envelope() float32 {
	t := g.current / g.envLen
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return g.window[int(t*float64(len(g.window)-1))]
}

// GrainConfig describes one standalone grain rendering.
type GrainConfig struct {
	StartFrame float64
	Duration   int
	Shape      Shape
	Amplitude  float32
	Reverse    bool
	PitchShift float64
}

// Generate renders one windowed grain of mat into dst, interleaved over
// the material's channels, and returns the frames written. dst should
// hold Duration*mat.Channels() samples; shorter buffers truncate the
// grain. Reads outside the material yield silence, no wrap.
func Generate(mat *source.Material, cache *WindowCache, cfg GrainConfig, dst []float32) int {
	if mat == nil || cache == nil || cfg.Duration < 1 {
		return 0
	}
	ch := mat.Channels()
	frames := cfg.Duration
	if frames*ch > len(dst) {
		frames = len(dst) / ch
	}
	if frames < 1 {
		return 0
	}
	w := cache.Get(cfg.Shape, frames)

	pitch := cfg.PitchShift
	if pitch < pitchEps {
		pitch = pitchEps
	}
	step := 1 / pitch
	readPos := cfg.StartFrame
	if cfg.Reverse {
		step = -step
		readPos = cfg.StartFrame + float64(cfg.Duration) - 1
	}
	for i := 0; i < frames; i++ {
		wi := w[i] * cfg.Amplitude
		for c := 0; c < ch; c++ {
			dst[i*ch+c] = mat.SampleHermite(c, readPos) * wi
		}
		readPos += step
	}
	return frames
}

// renderDry reads length frames at native rate from mat, mono-mixed and
// unwindowed, for the spectral path to transform.
func renderDry(mat *source.Material, start float64, length int, reverse bool, dst []float32) int {
	if mat == nil || length < 1 {
		return 0
	}
	if length > len(dst) {
		length = len(dst)
	}
	pos, step := start, 1.0
	if reverse {
		pos, step = start+float64(length)-1, -1.0
	}
	ch := mat.Channels()
	for i := 0; i < length; i++ {
		var s float32
		for c := 0; c < ch; c++ {
			s += mat.SampleHermite(c, pos)
		}
		if ch > 1 {
			s /= float32(ch)
		}
		dst[i] = s
		pos += step
	}
	return length
}
