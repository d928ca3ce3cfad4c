package modmatrix

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/cwbudde/algo-granular/chaos"
)

// Errors reported by route and registration operations.
var (
	ErrDuplicateRoute     = errors.New("modmatrix: route already exists")
	ErrUnknownSource      = errors.New("modmatrix: unknown source")
	ErrUnknownDestination = errors.New("modmatrix: unknown destination")
	ErrUnknownPreset      = errors.New("modmatrix: unknown preset")
)

// controlTickMs is the assumed control tick period for the control-rate
// smoothing coefficient: one block at typical block sizes, roughly 500 Hz.
const controlTickMs = 2.0

// Source is a readable modulation endpoint. get must be allocation-free
// and safe to call from the audio thread.
type Source struct {
	id   string
	name string
	get  func() float64
}

// ID returns the source id.
func (s *Source) ID() string { return s.id }

// Name returns the display name.
func (s *Source) Name() string { return s.name }

// Value reads the source.
func (s *Source) Value() float64 { return s.get() }

// Destination is a writable modulation endpoint. set receives values in
// [min, max] and must be allocation-free and audio-thread safe.
type Destination struct {
	id        string
	name      string
	set       func(float64)
	min, max  float64
	audioRate bool
}

// ID returns the destination id.
func (d *Destination) ID() string { return d.id }

// Name returns the display name.
func (d *Destination) Name() string { return d.name }

// index is the immutable routing snapshot the audio thread works from.
// Rebuilt on every structural change.
type index struct {
	routes   []*Route
	byDest   [][]*Route
	dests    []*Destination
	anyAudio bool
}

// RouteSpec is the serializable description of one route.
type RouteSpec struct {
	Source      string
	Destination string
	Depth       float64
	Offset      float64
	SmoothingMs float64
	Mode        Mode
}

// Matrix owns sources, destinations and the route set.
type Matrix struct {
	mu      sync.RWMutex
	sources map[string]*Source
	dests   map[string]*Destination
	routes  []*Route
	idx     *index
	presets map[string][]RouteSpec
}

// New creates an empty matrix.
func New() *Matrix {
	return &Matrix{
		sources: make(map[string]*Source),
		dests:   make(map[string]*Destination),
		idx:     &index{},
		presets: make(map[string][]RouteSpec),
	}
}

// RegisterSource adds a named modulation source.
func (m *Matrix) RegisterSource(id, name string, get func() float64) (*Source, error) {
	if id == "" || get == nil {
		return nil, fmt.Errorf("modmatrix: source needs an id and a getter")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sources[id]; exists {
		return nil, fmt.Errorf("modmatrix: source %q already registered", id)
	}
	s := &Source{id: id, name: name, get: get}
	m.sources[id] = s
	return s, nil
}

// RegisterDestination adds a named modulation destination covering the
// value range [min, max]. Audio-rate destinations are driven per sample by
// ProcessAudioRate; the rest update once per control tick.
func (m *Matrix) RegisterDestination(id, name string, min, max float64, audioRate bool, set func(float64)) (*Destination, error) {
	if id == "" || set == nil {
		return nil, fmt.Errorf("modmatrix: destination needs an id and a setter")
	}
	if math.IsNaN(min) || math.IsNaN(max) || min >= max {
		return nil, fmt.Errorf("modmatrix: destination %q range must satisfy min < max: [%g, %g]", id, min, max)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.dests[id]; exists {
		return nil, fmt.Errorf("modmatrix: destination %q already registered", id)
	}
	d := &Destination{id: id, name: name, set: set, min: min, max: max, audioRate: audioRate}
	m.dests[id] = d
	m.rebuildIndexLocked()
	return d, nil
}

// RegisterAttractorSources exposes an attractor as a family of sources:
// one per state dimension (suffix _X, _Y, _Z, _W) plus the pattern
// measures _Periodicity and _Complexity.
func (m *Matrix) RegisterAttractorSources(prefix string, a chaos.Attractor) error {
	suffixes := [...]string{"_X", "_Y", "_Z", "_W"}
	dim := a.Dimension()
	if dim > len(suffixes) {
		dim = len(suffixes)
	}
	for i := 0; i < dim; i++ {
		i := i
		id := prefix + suffixes[i]
		if _, err := m.RegisterSource(id, id, func() float64 { return a.Normalized(i) }); err != nil {
			return err
		}
	}
	if _, err := m.RegisterSource(prefix+"_Periodicity", prefix+" periodicity", func() float64 {
		return a.AnalyzePattern().Periodicity
	}); err != nil {
		return err
	}
	if _, err := m.RegisterSource(prefix+"_Complexity", prefix+" complexity", func() float64 {
		return a.AnalyzePattern().Complexity
	}); err != nil {
		return err
	}
	return nil
}

// CreateRoute connects a source to a destination. The (source,
// destination) pair must be unique.
func (m *Matrix) CreateRoute(sourceID, destID string, depth float64, mode Mode, offset float64) (*Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.sources[sourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, sourceID)
	}
	dst, ok := m.dests[destID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDestination, destID)
	}
	for _, r := range m.routes {
		if r.src == src && r.dst == dst {
			return nil, fmt.Errorf("%w: %s -> %s", ErrDuplicateRoute, sourceID, destID)
		}
	}

	r := &Route{src: src, dst: dst}
	r.SetDepth(depth)
	r.SetOffset(offset)
	r.SetMode(mode)
	r.SetSmoothingMs(0)
	m.routes = append(m.routes, r)
	m.rebuildIndexLocked()
	return r, nil
}

// RemoveRoute disconnects a route; removing a missing route is an error.
func (m *Matrix) RemoveRoute(sourceID, destID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.routes {
		if r.src.id == sourceID && r.dst.id == destID {
			m.routes = append(m.routes[:i], m.routes[i+1:]...)
			m.rebuildIndexLocked()
			return nil
		}
	}
	return fmt.Errorf("modmatrix: no route %s -> %s", sourceID, destID)
}

// Routes returns the current routes in creation order.
func (m *Matrix) Routes() []*Route {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Route(nil), m.routes...)
}

// Route finds a route by its endpoints.
func (m *Matrix) Route(sourceID, destID string) (*Route, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.routes {
		if r.src.id == sourceID && r.dst.id == destID {
			return r, true
		}
	}
	return nil, false
}

// rebuildIndexLocked recomputes the destination grouping. Caller holds mu.
func (m *Matrix) rebuildIndexLocked() {
	idx := &index{routes: append([]*Route(nil), m.routes...)}
	seen := make(map[*Destination]int)
	for _, r := range idx.routes {
		pos, ok := seen[r.dst]
		if !ok {
			pos = len(idx.dests)
			seen[r.dst] = pos
			idx.dests = append(idx.dests, r.dst)
			idx.byDest = append(idx.byDest, nil)
		}
		idx.byDest[pos] = append(idx.byDest[pos], r)
		if r.dst.audioRate {
			idx.anyAudio = true
		}
	}
	m.idx = idx
}

// snapshot grabs the routing index under the shared lock. The index itself
// is immutable, so the lock is held only for the pointer read.
func (m *Matrix) snapshot() *index {
	m.mu.RLock()
	idx := m.idx
	m.mu.RUnlock()
	return idx
}

// ProcessControlRate advances every control-rate destination by one control
// tick: per route, smooth the contribution toward its target with
// alpha = 1 - exp(-2/smoothingMs); per destination, clamp the summed
// contributions to [0, 1] and hand the scaled value to the setter.
// Called once per block from the audio thread; allocation-free.
func (m *Matrix) ProcessControlRate() {
	idx := m.snapshot()
	for pos, dst := range idx.dests {
		if dst.audioRate {
			continue
		}
		sum := 0.0
		for _, r := range idx.byDest[pos] {
			target := r.target()
			cur := r.Current()
			ms := r.SmoothingMs()
			alpha := 1.0
			if ms > 0 {
				alpha = 1 - math.Exp(-controlTickMs/ms)
			}
			cur += alpha * (target - cur)
			r.storeCurrent(cur)
			sum += cur
		}
		v := clamp(sum, 0, 1)
		dst.set(dst.min + v*(dst.max-dst.min))
	}
}

// HasAudioRoutes reports whether any destination currently needs the
// per-sample ProcessAudioRate pass.
func (m *Matrix) HasAudioRoutes() bool {
	return m.snapshot().anyAudio
}

// ProcessAudioRate drives audio-rate destinations. Call with sampleIndex 0
// once per block to recompute targets and the per-sample smoothing ramp,
// then per sample to publish the linearly interpolated progress. Blocks
// without audio-rate routes return immediately.
func (m *Matrix) ProcessAudioRate(sampleIndex, blockSize int, sampleRate float64) {
	idx := m.snapshot()
	if !idx.anyAudio || blockSize <= 0 {
		return
	}
	if sampleIndex == 0 {
		for _, r := range idx.routes {
			if !r.dst.audioRate {
				continue
			}
			target := r.target()
			start := r.Current()
			ms := r.SmoothingMs()
			end := target
			if ms > 0 {
				decay := math.Exp(-1000 * float64(blockSize) / (ms * sampleRate))
				end = target + (start-target)*decay
			}
			r.blockStart = start
			r.blockDelta = (end - start) / float64(blockSize)
		}
	}
	for pos, dst := range idx.dests {
		if !dst.audioRate {
			continue
		}
		sum := 0.0
		for _, r := range idx.byDest[pos] {
			cur := r.blockStart + r.blockDelta*float64(sampleIndex+1)
			r.storeCurrent(cur)
			sum += cur
		}
		v := clamp(sum, 0, 1)
		dst.set(dst.min + v*(dst.max-dst.min))
	}
}

// ResetSmoothing snaps every route's smoothed value onto its instantaneous
// target.
func (m *Matrix) ResetSmoothing() {
	idx := m.snapshot()
	for _, r := range idx.routes {
		r.storeCurrent(r.target())
		r.blockStart = r.Current()
		r.blockDelta = 0
	}
}

// Specs returns the serializable description of the current routes.
func (m *Matrix) Specs() []RouteSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.specsLocked()
}

func (m *Matrix) specsLocked() []RouteSpec {
	specs := make([]RouteSpec, len(m.routes))
	for i, r := range m.routes {
		specs[i] = RouteSpec{
			Source:      r.src.id,
			Destination: r.dst.id,
			Depth:       r.Depth(),
			Offset:      r.Offset(),
			SmoothingMs: r.SmoothingMs(),
			Mode:        r.Mode(),
		}
	}
	return specs
}

// ApplySpecs replaces the route set with the given specs. Specs that name
// unknown endpoints abort the replacement before any change is made.
func (m *Matrix) ApplySpecs(specs []RouteSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	routes := make([]*Route, 0, len(specs))
	for _, spec := range specs {
		src, ok := m.sources[spec.Source]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownSource, spec.Source)
		}
		dst, ok := m.dests[spec.Destination]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownDestination, spec.Destination)
		}
		for _, r := range routes {
			if r.src == src && r.dst == dst {
				return fmt.Errorf("%w: %s -> %s", ErrDuplicateRoute, spec.Source, spec.Destination)
			}
		}
		r := &Route{src: src, dst: dst}
		r.SetDepth(spec.Depth)
		r.SetOffset(spec.Offset)
		r.SetSmoothingMs(spec.SmoothingMs)
		r.SetMode(spec.Mode)
		routes = append(routes, r)
	}
	m.routes = routes
	m.rebuildIndexLocked()
	return nil
}

// CreatePreset snapshots the current routes under a name.
func (m *Matrix) CreatePreset(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presets[name] = m.specsLocked()
}

// LoadPreset replaces the route set with a named snapshot.
func (m *Matrix) LoadPreset(name string) error {
	m.mu.RLock()
	specs, ok := m.presets[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return m.ApplySpecs(specs)
}

// PresetNames lists stored presets.
func (m *Matrix) PresetNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.presets))
	for name := range m.presets {
		names = append(names, name)
	}
	return names
}
