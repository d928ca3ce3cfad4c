package granular

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/cwbudde/algo-approx"
	"github.com/cwbudde/algo-granular/chaos"
	"github.com/cwbudde/algo-granular/modmatrix"
	"github.com/cwbudde/algo-granular/params"
	"github.com/cwbudde/algo-granular/pool"
	"github.com/cwbudde/algo-granular/source"
	"github.com/cwbudde/algo-granular/vocoder"
)

// Parameter ids. The 2000 block is the grain surface, 3000 the chaos
// subsystem.
const (
	ParamBypass        uint32 = 1000
	ParamGrainSize     uint32 = 2000
	ParamGrainShape    uint32 = 2001
	ParamDensity       uint32 = 2002
	ParamPosition      uint32 = 2003
	ParamPositionRange uint32 = 2004
	ParamSizeVariation uint32 = 2005
	ParamGain          uint32 = 2006
	ParamGainVariation uint32 = 2007
	ParamSpread        uint32 = 2008
	ParamReverseProb   uint32 = 2009
	ParamPitch         uint32 = 2010
	ParamStretch       uint32 = 2011
	ParamSpectral      uint32 = 2012
	ParamChaosRate     uint32 = 3000
)

var (
	ErrBusLayout   = errors.New("granular: unsupported bus layout")
	ErrNotPrepared = errors.New("granular: engine not prepared")
	ErrBlockSize   = errors.New("granular: block exceeds prepared size")
)

const (
	// maxPrepareFrames caps the block size a host may announce.
	maxPrepareFrames = 1 << 16

	// maxGrainSeconds is the longest grain the spectral path must hold:
	// the 100 ms size ceiling doubled by full size variation.
	maxGrainSeconds = 0.2

	// limiterKnee is where the output soft clipper starts bending.
	limiterKnee = float32(0.9)

	defaultTorusF1 = 1.0
	defaultMaxSlot = 64
)

// defaultTorusF2 keeps the torus quasi-periodic: an irrational frequency
// ratio never closes the orbit.
var defaultTorusF2 = math.Sqrt2

// EngineConfig sizes an engine at construction.
type EngineConfig struct {
	SampleRate float64
	MaxGrains  int // voice capacity, default 64
	Strategy   StealStrategy
	Seed       int64 // cloud RNG seed, 0 seeds from the clock
}

// engineParams holds direct handles to every registered parameter so the
// audio thread never goes through the id map.
type engineParams struct {
	bypass    *params.Param
	size      *params.Param
	shape     *params.Param
	density   *params.Param
	position  *params.Param
	posRange  *params.Param
	sizeVar   *params.Param
	gain      *params.Param
	gainVar   *params.Param
	spread    *params.Param
	reverse   *params.Param
	pitch     *params.Param
	stretch   *params.Param
	spectral  *params.Param
	chaosRate *params.Param
}

// Engine assembles the full granulator: parameter plane, modulation
// matrix fed by two chaotic attractors, grain cloud with voice stealing,
// spectral path, buffer pools and the diagnostics ring. Process runs on
// the audio thread; everything else belongs to the control thread.
type Engine struct {
	cfg        EngineConfig
	sampleRate float64

	manager *params.Manager
	ep      *engineParams
	matrix  *modmatrix.Matrix
	lorenz  *chaos.Lorenz
	torus   *chaos.Torus
	cache   *WindowCache
	events  *EventRing
	buffers *pool.Pool
	monitor *pool.Monitor
	voc     *vocoder.Processor
	cloud   *Cloud

	prepared   atomic.Bool
	inChannels int
	maxBlock   int

	lastChaosMult float64
	lastResets    uint64
}

// NewEngine builds an engine ticking at cfg.SampleRate.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.SampleRate <= 0 || math.IsNaN(cfg.SampleRate) {
		return nil, fmt.Errorf("granular: sample rate must be positive: %g", cfg.SampleRate)
	}
	if cfg.MaxGrains == 0 {
		cfg.MaxGrains = defaultMaxSlot
	}
	if cfg.MaxGrains < 1 {
		return nil, fmt.Errorf("granular: max grains must be positive: %d", cfg.MaxGrains)
	}

	e := &Engine{
		cfg:        cfg,
		sampleRate: cfg.SampleRate,
		manager:    params.NewManager(),
		matrix:     modmatrix.New(),
		cache:      NewWindowCache(DefaultCacheLimit),
		events:     NewEventRing(512),
		monitor:    pool.NewMonitor(0),
	}

	var err error
	if e.ep, err = registerEngineParams(e.manager); err != nil {
		e.monitor.Close()
		return nil, err
	}
	if e.lorenz, err = chaos.NewLorenzDefault(cfg.SampleRate); err != nil {
		e.monitor.Close()
		return nil, err
	}
	if e.torus, err = chaos.NewTorus(cfg.SampleRate, defaultTorusF1, defaultTorusF2); err != nil {
		e.monitor.Close()
		return nil, err
	}
	if err = e.matrix.RegisterAttractorSources("lorenz", e.lorenz); err != nil {
		e.monitor.Close()
		return nil, err
	}
	if err = e.matrix.RegisterAttractorSources("torus", e.torus); err != nil {
		e.monitor.Close()
		return nil, err
	}
	if err = e.registerDestinations(); err != nil {
		e.monitor.Close()
		return nil, err
	}
	if err = e.buildAudioGraph(); err != nil {
		e.monitor.Close()
		return nil, err
	}
	return e, nil
}

// buildAudioGraph sizes the sample-rate dependent pieces: spectral
// buffers, the vocoder and the cloud.
func (e *Engine) buildAudioGraph() error {
	grainCap := nextPow2(int(maxGrainSeconds * e.sampleRate))
	if grainCap < pool.DefaultMinBufferSize {
		grainCap = pool.DefaultMinBufferSize
	}
	buffers, err := pool.New(pool.Config{
		MinBufferSize:   pool.DefaultMinBufferSize,
		MaxBufferSize:   grainCap,
		BuffersPerClass: e.cfg.MaxGrains,
	})
	if err != nil {
		return err
	}
	voc, err := vocoder.New(vocoder.DefaultFrameSize, grainCap)
	if err != nil {
		return err
	}
	cloud, err := NewCloud(CloudConfig{
		SampleRate: e.sampleRate,
		MaxGrains:  e.cfg.MaxGrains,
		Strategy:   e.cfg.Strategy,
		Cache:      e.cache,
		Events:     e.events,
		Buffers:    buffers,
		Vocoder:    voc,
		Monitor:    e.monitor,
		Seed:       e.cfg.Seed,
	})
	if err != nil {
		return err
	}
	e.buffers, e.voc, e.cloud = buffers, voc, cloud
	return nil
}

func registerEngineParams(m *params.Manager) (*engineParams, error) {
	var err error
	reg := func(p *params.Param, e error) *params.Param {
		if err != nil {
			return nil
		}
		if e != nil {
			err = e
			return nil
		}
		err = m.Register(p)
		return p
	}

	shapes := []params.EnumItem{
		{Value: int(ShapeSine), Name: "Sine"},
		{Value: int(ShapeTriangle), Name: "Triangle"},
		{Value: int(ShapeRectangle), Name: "Rectangle"},
		{Value: int(ShapeGaussian), Name: "Gaussian"},
	}

	ep := &engineParams{}
	ep.bypass = reg(params.NewBool(ParamBypass, "Bypass", false))
	ep.size = reg(params.NewFloat(ParamGrainSize, "Grain Size", 1, 100, 50, params.WithUnit("ms")))
	ep.shape = reg(params.NewEnum(ParamGrainShape, "Grain Shape", shapes, int(ShapeGaussian)))
	ep.density = reg(params.NewFloat(ParamDensity, "Grain Density", 0.1, 100, 10,
		params.WithUnit("Hz"), params.WithLogScale()))
	ep.position = reg(params.NewFloat(ParamPosition, "Position", 0, 1, 0))
	ep.posRange = reg(params.NewFloat(ParamPositionRange, "Position Range", 0, 1, 0.1))
	ep.sizeVar = reg(params.NewFloat(ParamSizeVariation, "Size Variation", 0, 1, 0))
	ep.gain = reg(params.NewFloat(ParamGain, "Gain", 0, 2, 1))
	ep.gainVar = reg(params.NewFloat(ParamGainVariation, "Gain Variation", 0, 1, 0))
	ep.spread = reg(params.NewFloat(ParamSpread, "Stereo Spread", 0, 1, 1))
	ep.reverse = reg(params.NewFloat(ParamReverseProb, "Reverse Probability", 0, 1, 0))
	ep.pitch = reg(params.NewFloat(ParamPitch, "Pitch", 0.25, 4, 1, params.WithLogScale()))
	ep.stretch = reg(params.NewFloat(ParamStretch, "Time Stretch", 0.25, 4, 1, params.WithLogScale()))
	ep.spectral = reg(params.NewBool(ParamSpectral, "Spectral Mode", false))
	ep.chaosRate = reg(params.NewFloat(ParamChaosRate, "Chaos Rate", 0.1, 10, 1, params.WithLogScale()))
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// registerDestinations exposes every continuous parameter to the matrix
// under the id "param_<id>", spanning the normalized range.
func (e *Engine) registerDestinations() error {
	targets := []*params.Param{
		e.ep.size, e.ep.density, e.ep.position, e.ep.posRange, e.ep.sizeVar,
		e.ep.gain, e.ep.gainVar, e.ep.spread, e.ep.reverse, e.ep.pitch,
		e.ep.stretch, e.ep.chaosRate,
	}
	for _, p := range targets {
		p := p
		id := fmt.Sprintf("param_%d", p.ID())
		_, err := e.matrix.RegisterDestination(id, p.Name(), 0, 1, false, func(v float64) {
			p.SetNormalized(v)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Params returns the parameter plane.
func (e *Engine) Params() *params.Manager { return e.manager }

// Matrix returns the modulation matrix.
func (e *Engine) Matrix() *modmatrix.Matrix { return e.matrix }

// Cloud returns the grain cloud.
func (e *Engine) Cloud() *Cloud { return e.cloud }

// Lorenz returns the lorenz modulation attractor.
func (e *Engine) Lorenz() *chaos.Lorenz { return e.lorenz }

// Torus returns the torus modulation attractor.
func (e *Engine) Torus() *chaos.Torus { return e.torus }

// SampleRate returns the current processing rate.
func (e *Engine) SampleRate() float64 { return e.sampleRate }

// SetMaterial hands the cloud a new source; grains in flight finish on
// the previous one.
func (e *Engine) SetMaterial(m *source.Material) { e.cloud.SetMaterial(m) }

// LoadMaterial opens a WAV file and installs it as the source.
func (e *Engine) LoadMaterial(path string) error {
	m, err := source.Open(path)
	if err != nil {
		return err
	}
	e.cloud.SetMaterial(m)
	m.Close()
	return nil
}

// DrainEvents pops every queued diagnostic event into fn and returns the
// count. Single consumer; call from one goroutine only.
func (e *Engine) DrainEvents(fn func(Event)) int {
	n := 0
	for {
		ev, ok := e.events.Pop()
		if !ok {
			return n
		}
		fn(ev)
		n++
	}
}

// Prepare fixes the bus layout and the largest block Process may see.
// Mono or stereo in, stereo out.
func (e *Engine) Prepare(inChannels, outChannels, maxFrames int) error {
	if outChannels != 2 || (inChannels != 1 && inChannels != 2) {
		return fmt.Errorf("%w: %d in, %d out", ErrBusLayout, inChannels, outChannels)
	}
	if maxFrames < 1 || maxFrames > maxPrepareFrames {
		return fmt.Errorf("%w: %d frames", ErrBlockSize, maxFrames)
	}
	e.inChannels = inChannels
	e.maxBlock = maxFrames
	e.prepared.Store(true)
	return nil
}

// SetSampleRate reinitializes every rate-dependent piece. Must not be
// called while Process is running; grains and smoothing state restart.
func (e *Engine) SetSampleRate(rate float64) error {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return fmt.Errorf("granular: sample rate must be positive: %g", rate)
	}
	if rate == e.sampleRate {
		return nil
	}

	var keep *source.Material
	if m := e.cloud.Material(); m != nil {
		m.Retain()
		keep = m
	}
	e.cloud.Close()

	e.sampleRate = rate
	if err := e.buildAudioGraph(); err != nil {
		return err
	}
	if keep != nil {
		e.cloud.SetMaterial(keep)
		keep.Release()
	}
	e.lorenz.SetSampleRate(rate)
	e.torus.SetSampleRate(rate)
	e.manager.ResetSmoothing()
	e.matrix.ResetSmoothing()
	e.lastChaosMult = 0
	return nil
}

// Close releases the cloud's material and stops the resource monitor.
func (e *Engine) Close() error {
	e.prepared.Store(false)
	e.cloud.Close()
	e.monitor.Close()
	return nil
}

// Process renders one block. out must be stereo; in may be nil for a
// silent input. The output is zeroed before anything else, so a non-nil
// error always leaves silence. Allocation-free after Prepare.
func (e *Engine) Process(in, out *Block) error {
	if out == nil || len(out.Samples) < out.Channels*out.Frames {
		return ErrBlockSize
	}
	out.Zero()
	if !e.prepared.Load() {
		return ErrNotPrepared
	}
	if out.Channels != 2 {
		return fmt.Errorf("%w: %d out channels", ErrBusLayout, out.Channels)
	}
	frames := out.Frames
	if frames < 1 || frames > e.maxBlock {
		return fmt.Errorf("%w: %d frames", ErrBlockSize, frames)
	}
	if in != nil {
		if in.Channels != e.inChannels {
			return fmt.Errorf("%w: %d in channels", ErrBusLayout, in.Channels)
		}
		if in.Frames < frames || len(in.Samples) < in.Channels*frames {
			return fmt.Errorf("%w: input shorter than output", ErrBlockSize)
		}
	}

	if e.ep.bypass.BoolValue() {
		e.copyBypass(in, out, frames)
		return nil
	}

	// One integrator step per block covers the whole block interval.
	mult := e.ep.chaosRate.SmoothedReal() * float64(frames)
	if mult != e.lastChaosMult {
		e.lorenz.SetUpdateRate(mult)
		e.torus.SetUpdateRate(mult)
		e.lastChaosMult = mult
	}
	e.lorenz.Process()
	e.torus.Process()
	if resets := e.lorenz.Resets() + e.torus.Resets(); resets > e.lastResets {
		e.events.Push(Event{Kind: EventUnstable, Value: float64(resets - e.lastResets)})
		e.lastResets = resets
	}

	e.matrix.ProcessControlRate()
	e.manager.ProcessChanges(e.sampleRate, frames)
	if e.matrix.HasAudioRoutes() {
		for i := 0; i < frames; i++ {
			e.matrix.ProcessAudioRate(i, frames, e.sampleRate)
		}
	}

	cp := CloudParams{
		GrainSizeMs:   e.ep.size.SmoothedReal(),
		Shape:         Shape(e.ep.shape.SmoothedEnumIndex()),
		Density:       e.ep.density.SmoothedReal(),
		Position:      e.ep.position.SmoothedReal(),
		PositionRange: e.ep.posRange.SmoothedReal(),
		SizeVariation: e.ep.sizeVar.SmoothedReal(),
		Gain:          e.ep.gain.SmoothedReal(),
		GainVariation: e.ep.gainVar.SmoothedReal(),
		Spread:        e.ep.spread.SmoothedReal(),
		ReverseProb:   e.ep.reverse.SmoothedReal(),
		Pitch:         e.ep.pitch.SmoothedReal(),
		Stretch:       e.ep.stretch.SmoothedReal(),
		Spectral:      e.ep.spectral.BoolValue(),
	}
	e.cloud.Process(out.Samples, frames, cp)
	softLimit(out.Samples[:2*frames])
	return nil
}

// copyBypass passes the input through sample-exactly, duplicating mono
// onto both output channels.
func (e *Engine) copyBypass(in, out *Block, frames int) {
	if in == nil {
		return
	}
	switch in.Channels {
	case 1:
		for i := 0; i < frames; i++ {
			s := in.Samples[i]
			out.Samples[2*i] = s
			out.Samples[2*i+1] = s
		}
	case 2:
		copy(out.Samples[:2*frames], in.Samples[:2*frames])
	}
}

// softLimit bends everything beyond the knee onto an exponential
// approach toward full scale, keeping |out| < 1 with a continuous slope
// at the knee.
func softLimit(buf []float32) {
	for i, v := range buf {
		a := v
		if a < 0 {
			a = -a
		}
		if a <= limiterKnee {
			continue
		}
		over := (a - limiterKnee) / (1 - limiterKnee)
		l := limiterKnee + (1-limiterKnee)*(1-approx.FastExp(-over))
		if v < 0 {
			l = -l
		}
		buf[i] = l
	}
}

func nextPow2(v int) int {
	if v < 2 {
		return 2
	}
	return 1 << bits.Len(uint(v-1))
}
