package granular

import (
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/cwbudde/algo-granular/pool"
	"github.com/cwbudde/algo-granular/source"
	"github.com/cwbudde/algo-granular/vocoder"
)

// CloudParams is the per-block snapshot of the knobs driving spawn
// randomization and grain playback. The engine denormalizes it from the
// parameter plane before each Process call.
type CloudParams struct {
	GrainSizeMs   float64 // base grain duration
	Shape         Shape
	Density       float64 // grains per second
	Position      float64 // base read offset, fraction of the material
	PositionRange float64 // spread around Position, fraction
	SizeVariation float64 // relative duration jitter in [0,1]
	Gain          float64
	GainVariation float64 // relative amplitude jitter in [0,1]
	Spread        float64 // stereo spread in [0,1]
	ReverseProb   float64
	Pitch         float64
	Stretch       float64 // spectral path only
	Spectral      bool
}

// CloudConfig wires a cloud's collaborators. Events, Buffers, Vocoder
// and Monitor may be shared with the owning engine; nil Events gets a
// private ring. Without Buffers and Vocoder the spectral path falls back
// to direct playback.
type CloudConfig struct {
	SampleRate float64
	MaxGrains  int
	Strategy   StealStrategy
	Cache      *WindowCache
	Events     *EventRing
	Buffers    *pool.Pool
	Vocoder    *vocoder.Processor
	Monitor    *pool.Monitor
	Seed       int64 // 0 seeds from the clock
}

// Cloud schedules and mixes a population of grains over one source
// material. Process and the spawn path run on the audio thread only;
// SetMaterial may be called from the control thread.
type Cloud struct {
	sampleRate float64
	grains     []grain
	voices     *VoicePool
	cache      *WindowCache
	events     *EventRing
	buffers    *pool.Pool
	voc        *vocoder.Processor
	monitor    *pool.Monitor
	rng        *rand.Rand
	scratch    []float32
	victims    []int

	mat         atomic.Pointer[source.Material]
	clock       int64
	spawnAcc    float64
	perGrain    float64
	lastDensity float64
	hermite     bool

	spawns atomic.Uint64
	drops  atomic.Uint64
	sheds  atomic.Uint64
}

// NewCloud builds a cloud with MaxGrains voice slots.
func NewCloud(cfg CloudConfig) (*Cloud, error) {
	if cfg.SampleRate <= 0 || math.IsNaN(cfg.SampleRate) {
		return nil, fmt.Errorf("granular: sample rate must be positive: %g", cfg.SampleRate)
	}
	if cfg.MaxGrains < 1 {
		return nil, fmt.Errorf("granular: max grains must be positive: %d", cfg.MaxGrains)
	}
	voices, err := NewVoicePool(cfg.MaxGrains, cfg.SampleRate, cfg.Strategy)
	if err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	c := &Cloud{
		sampleRate: cfg.SampleRate,
		grains:     make([]grain, cfg.MaxGrains),
		voices:     voices,
		cache:      cfg.Cache,
		events:     cfg.Events,
		buffers:    cfg.Buffers,
		voc:        cfg.Vocoder,
		monitor:    cfg.Monitor,
		rng:        rand.New(rand.NewSource(seed)),
		victims:    make([]int, 0, cfg.MaxGrains),
	}
	if c.cache == nil {
		c.cache = NewWindowCache(DefaultCacheLimit)
	}
	if c.events == nil {
		c.events = NewEventRing(256)
	}
	if c.voc != nil {
		c.scratch = make([]float32, c.voc.MaxFrames())
	}
	c.hermite = true
	return c, nil
}

// Voices exposes the voice pool.
func (c *Cloud) Voices() *VoicePool { return c.voices }

// Events exposes the diagnostics ring.
func (c *Cloud) Events() *EventRing { return c.events }

// ActiveGrains returns the number of live grains.
func (c *Cloud) ActiveGrains() int { return c.voices.ActiveCount() }

// Spawns counts grains started since construction.
func (c *Cloud) Spawns() uint64 { return c.spawns.Load() }

// Drops counts spawn attempts abandoned for lack of resources.
func (c *Cloud) Drops() uint64 { return c.drops.Load() }

// Sheds counts grains cut early by load reduction.
func (c *Cloud) Sheds() uint64 { return c.sheds.Load() }

// SetMaterial swaps the granulated material. The cloud takes its own
// reference on m; grains already in flight keep reading the previous
// material until they end.
func (c *Cloud) SetMaterial(m *source.Material) {
	if m != nil {
		m.Retain()
	}
	if old := c.mat.Swap(m); old != nil {
		old.Release()
	}
}

// Material returns the current material without adding a reference; the
// pointer is valid until the next SetMaterial.
func (c *Cloud) Material() *source.Material { return c.mat.Load() }

// Reset ends every grain and clears the spawn scheduler.
func (c *Cloud) Reset() {
	for i := range c.grains {
		if c.grains[i].active {
			c.grains[i].release()
			c.voices.Free(i)
		}
	}
	c.spawnAcc = 0
	c.clock = 0
}

// Close releases the cloud's material reference and all live grains.
func (c *Cloud) Close() {
	c.Reset()
	c.SetMaterial(nil)
}

// Process schedules spawns for this block and mixes every active grain
// into out, which holds frames stereo-interleaved samples and is
// accumulated into, not overwritten. Runs allocation-free.
func (c *Cloud) Process(out []float32, frames int, p CloudParams) {
	if frames < 1 {
		return
	}
	if frames*2 > len(out) {
		frames = len(out) / 2
	}

	mat := c.acquireMaterial()
	if p.Density > 0 {
		if p.Density != c.lastDensity {
			c.perGrain = c.sampleRate / p.Density
			c.lastDensity = p.Density
		}
		c.spawnAcc += float64(frames)
		for c.spawnAcc >= c.perGrain {
			c.spawnAcc -= c.perGrain
			c.spawn(mat, &p)
		}
	} else {
		c.spawnAcc = 0
		c.lastDensity = p.Density
	}

	cost := c.grainCost()
	for gi := range c.grains {
		g := &c.grains[gi]
		if !g.active {
			continue
		}
		env := float32(0)
		for i := 0; i < frames; i++ {
			env = g.envelope()
			s := g.sample() * env * g.gain
			out[2*i] += s * g.panL
			out[2*i+1] += s * g.panR
			g.readPos += g.rate
			g.current += g.absRate
			if g.current >= g.envLen {
				g.release()
				c.voices.Free(gi)
				break
			}
		}
		if g.active {
			amp := g.gain * env
			progress := float32(g.current / g.envLen)
			c.voices.UpdateState(gi, amp, amp*(1-progress), cost)
		}
	}

	if c.voices.UnderPressure() {
		c.victims = c.voices.ReduceLoad(c.victims[:0])
		for _, v := range c.victims {
			c.grains[v].release()
		}
		if n := len(c.victims); n > 0 {
			c.sheds.Add(uint64(n))
			c.events.Push(Event{Kind: EventSteal, Value: float64(n)})
		}
	}

	if mat != nil {
		mat.Release()
	}
	c.clock += int64(frames)
}

// acquireMaterial retains the published material for the duration of one
// block. Retain then re-check the pointer: a swap between the load and
// the retain leaves us holding a reference the swapper may already have
// dropped, so that reference is given back and the load retried.
func (c *Cloud) acquireMaterial() *source.Material {
	for {
		m := c.mat.Load()
		if m == nil {
			return nil
		}
		m.Retain()
		if c.mat.Load() == m {
			return m
		}
		m.Release()
	}
}

// spawn starts one grain with randomized parameters, or drops the
// attempt when the material or spectral resources are missing.
func (c *Cloud) spawn(mat *source.Material, p *CloudParams) {
	if mat == nil || mat.Frames() == 0 {
		return
	}

	srcFrames := float64(mat.Frames())
	start := (p.Position + c.uniform(p.PositionRange)) * srcFrames
	start = clampF(start, 0, srcFrames-1)
	dur := p.GrainSizeMs / 1000 * c.sampleRate * (1 + c.uniform(p.SizeVariation))
	if dur < 2 {
		dur = 2
	}
	amp := float32(p.Gain * (1 + c.uniform(p.GainVariation)))
	if amp < 0 {
		amp = 0
	}
	pan := clampF(0.5+c.uniform(p.Spread/2), 0, 1)
	reverse := c.rng.Float64() < p.ReverseProb
	pitch := p.Pitch
	if pitch < pitchEps {
		pitch = pitchEps
	}

	idx, stole := c.voices.Allocate(c.clock)
	if stole {
		c.grains[idx].release()
		c.events.Push(Event{Kind: EventSteal, Value: float64(idx)})
	}

	g := &c.grains[idx]
	g.window = c.cache.Table(p.Shape)
	g.current = 0
	g.gain = amp
	g.panL = float32(math.Cos(math.Pi / 2 * pan))
	g.panR = float32(math.Sin(math.Pi / 2 * pan))

	if p.Spectral && c.voc != nil && c.buffers != nil {
		if !c.spawnSpectral(g, mat, start, int(dur), reverse, pitch, p.Stretch) {
			c.voices.Free(idx)
			c.drops.Add(1)
			c.events.Push(Event{Kind: EventOverrun, Value: float64(idx)})
			return
		}
	} else {
		g.hermite = c.hermite
		g.mat = mat
		mat.Retain()
		g.envLen = dur
		g.absRate = 1 / pitch
		if reverse {
			g.rate = -g.absRate
			g.readPos = start + dur - 1
		} else {
			g.rate = g.absRate
			g.readPos = start
		}
	}

	g.active = true
	c.voices.UpdateState(idx, amp, amp, defaultVoiceCost)
	c.spawns.Add(1)
}

// spawnSpectral renders the grain through the vocoder into a pooled
// buffer played back at native rate.
func (c *Cloud) spawnSpectral(g *grain, mat *source.Material, start float64, length int, reverse bool, pitch, stretch float64) bool {
	if length > c.voc.MaxFrames() {
		return false
	}
	buf := c.buffers.Acquire(length)
	if buf == nil {
		return false
	}
	n := renderDry(mat, start, length, reverse, c.scratch[:length])
	written := c.voc.ProcessBuffer(buf.Data(), c.scratch[:n], pitch, stretch)
	if written == 0 {
		buf.Release()
		return false
	}
	g.buf = buf
	g.rendered = buf.Data()[:written]
	g.mat = nil
	g.envLen = float64(written)
	g.rate = 1
	g.absRate = 1
	g.readPos = 0
	return true
}

// grainCost estimates one voice's CPU share from the monitor, falling
// back to a fixed cost when no measurement is available.
func (c *Cloud) grainCost() float32 {
	if c.monitor == nil {
		return defaultVoiceCost
	}
	active := c.voices.ActiveCount()
	if active == 0 {
		return defaultVoiceCost
	}
	share := float32(c.monitor.Usage().CPU / float64(active))
	if share < defaultVoiceCost || math.IsNaN(float64(share)) {
		return defaultVoiceCost
	}
	if share > 1 {
		return 1
	}
	return share
}

// uniform draws from U(-v, +v).
func (c *Cloud) uniform(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return (c.rng.Float64()*2 - 1) * v
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
