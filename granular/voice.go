package granular

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// StealStrategy selects the victim when every voice is active.
type StealStrategy int

const (
	StealOldest StealStrategy = iota
	StealQuietest
	StealLeastImportant
	StealSmart
)

func (s StealStrategy) String() string {
	switch s {
	case StealOldest:
		return "Oldest"
	case StealQuietest:
		return "Quietest"
	case StealLeastImportant:
		return "LeastImportant"
	case StealSmart:
		return "Smart"
	}
	return "Unknown"
}

// Smart steal blends age against how audible and important a voice is.
const (
	stealAgeWeight        = 0.4
	stealAmplitudeWeight  = 0.3
	stealImportanceWeight = 0.3
)

// DefaultCPULimit is the estimated-load ceiling before ReduceLoad
// starts ending voices.
const DefaultCPULimit = 0.8

// defaultVoiceCost is the per-voice CPU estimate used until the
// resource monitor supplies a measured share.
const defaultVoiceCost = 0.01

// VoiceSlot tracks one grain voice. Amplitude, importance and CPU are
// atomics so the audio thread refreshes them without the pool lock.
type VoiceSlot struct {
	active     atomic.Bool
	amplitude  atomic.Uint32
	importance atomic.Uint32
	cpu        atomic.Uint32
	birth      atomic.Int64
	spawned    atomic.Uint64
}

// Active reports whether the slot carries a live grain.
func (s *VoiceSlot) Active() bool { return s.active.Load() }

// Amplitude returns the last reported amplitude estimate.
func (s *VoiceSlot) Amplitude() float32 {
	return math.Float32frombits(s.amplitude.Load())
}

// Importance returns the last reported importance.
func (s *VoiceSlot) Importance() float32 {
	return math.Float32frombits(s.importance.Load())
}

// CPU returns the slot's estimated CPU share.
func (s *VoiceSlot) CPU() float32 {
	return math.Float32frombits(s.cpu.Load())
}

// Spawned counts grains this slot has hosted.
func (s *VoiceSlot) Spawned() uint64 { return s.spawned.Load() }

// VoicePool is a fixed set of grain voices with stealing and load
// shedding. Structural operations hold the pool mutex; per-block state
// refreshes go through UpdateState and touch only slot atomics.
type VoicePool struct {
	mu         sync.Mutex
	slots      []VoiceSlot
	strategy   StealStrategy
	sampleRate float64
	cpuLimit   float64
	peakCPU    atomic.Uint64
	steals     atomic.Uint64
}

// NewVoicePool builds a pool of capacity voices.
func NewVoicePool(capacity int, sampleRate float64, strategy StealStrategy) (*VoicePool, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("granular: voice capacity must be positive: %d", capacity)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("granular: sample rate must be positive: %g", sampleRate)
	}
	if strategy < StealOldest || strategy > StealSmart {
		return nil, fmt.Errorf("granular: unknown steal strategy %d", strategy)
	}
	return &VoicePool{
		slots:      make([]VoiceSlot, capacity),
		strategy:   strategy,
		sampleRate: sampleRate,
		cpuLimit:   DefaultCPULimit,
	}, nil
}

// Capacity returns the voice count.
func (p *VoicePool) Capacity() int { return len(p.slots) }

// Slot exposes one voice for inspection.
func (p *VoicePool) Slot(i int) *VoiceSlot { return &p.slots[i] }

// SetStrategy replaces the steal policy.
func (p *VoicePool) SetStrategy(s StealStrategy) {
	if s < StealOldest || s > StealSmart {
		return
	}
	p.mu.Lock()
	p.strategy = s
	p.mu.Unlock()
}

// SetCPULimit replaces the pressure ceiling.
func (p *VoicePool) SetCPULimit(limit float64) {
	if limit <= 0 || math.IsNaN(limit) {
		return
	}
	p.mu.Lock()
	p.cpuLimit = limit
	p.mu.Unlock()
}

// Steals counts voices taken from live grains.
func (p *VoicePool) Steals() uint64 { return p.steals.Load() }

// Allocate claims a voice, preferring the lowest-index idle slot and
// stealing per the configured strategy otherwise. now is the caller's
// sample clock, used for voice age. stole reports whether a live grain
// lost its slot; the caller must cut that grain before reusing it.
func (p *VoicePool) Allocate(now int64) (idx int, stole bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if !p.slots[i].active.Load() {
			p.activateLocked(i, now)
			return i, false
		}
	}
	idx = p.victimLocked(now)
	p.slots[idx].active.Store(false)
	p.activateLocked(idx, now)
	p.steals.Add(1)
	return idx, true
}

// Free returns a voice to the idle set.
func (p *VoicePool) Free(idx int) {
	if idx < 0 || idx >= len(p.slots) {
		return
	}
	s := &p.slots[idx]
	s.active.Store(false)
	s.cpu.Store(0)
	s.amplitude.Store(0)
	s.importance.Store(0)
}

// UpdateState refreshes a slot's audio-path estimates without locking.
func (p *VoicePool) UpdateState(idx int, amplitude, importance, cpu float32) {
	if idx < 0 || idx >= len(p.slots) {
		return
	}
	s := &p.slots[idx]
	s.amplitude.Store(math.Float32bits(amplitude))
	s.importance.Store(math.Float32bits(importance))
	s.cpu.Store(math.Float32bits(cpu))
}

// ActiveCount returns the number of live voices.
func (p *VoicePool) ActiveCount() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].active.Load() {
			n++
		}
	}
	return n
}

// TotalCPU sums the per-slot estimates and refreshes the peak.
func (p *VoicePool) TotalCPU() float64 {
	total := 0.0
	for i := range p.slots {
		total += float64(p.slots[i].CPU())
	}
	for {
		peak := p.peakCPU.Load()
		if total <= math.Float64frombits(peak) {
			break
		}
		if p.peakCPU.CompareAndSwap(peak, math.Float64bits(total)) {
			break
		}
	}
	return total
}

// PeakCPU returns the highest load estimate observed.
func (p *VoicePool) PeakCPU() float64 {
	return math.Float64frombits(p.peakCPU.Load())
}

// UnderPressure reports whether the estimated load exceeds the limit.
func (p *VoicePool) UnderPressure() bool {
	p.mu.Lock()
	limit := p.cpuLimit
	p.mu.Unlock()
	return p.TotalCPU() > limit
}

// ReduceLoad ends voices in ascending importance order until the
// estimated load clears the limit, appending the freed indices to
// victims. The caller must cut the matching grains.
func (p *VoicePool) ReduceLoad(victims []int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.totalCPULocked() > p.cpuLimit {
		idx := -1
		least := float32(math.MaxFloat32)
		for i := range p.slots {
			if !p.slots[i].active.Load() {
				continue
			}
			if imp := p.slots[i].Importance(); idx < 0 || imp < least {
				idx, least = i, imp
			}
		}
		if idx < 0 {
			break
		}
		p.slots[idx].active.Store(false)
		p.slots[idx].cpu.Store(0)
		victims = append(victims, idx)
	}
	return victims
}

func (p *VoicePool) totalCPULocked() float64 {
	total := 0.0
	for i := range p.slots {
		total += float64(p.slots[i].CPU())
	}
	return total
}

func (p *VoicePool) activateLocked(i int, now int64) {
	s := &p.slots[i]
	s.active.Store(true)
	s.birth.Store(now)
	s.amplitude.Store(0)
	s.importance.Store(0)
	s.cpu.Store(math.Float32bits(defaultVoiceCost))
	s.spawned.Add(1)
}

// victimLocked picks the slot to steal. All slots are active here.
func (p *VoicePool) victimLocked(now int64) int {
	best := 0
	switch p.strategy {
	case StealOldest:
		oldest := int64(math.MaxInt64)
		for i := range p.slots {
			if b := p.slots[i].birth.Load(); b < oldest {
				oldest, best = b, i
			}
		}
	case StealQuietest:
		quietest := float32(math.MaxFloat32)
		for i := range p.slots {
			if a := p.slots[i].Amplitude(); a < quietest {
				quietest, best = a, i
			}
		}
	case StealLeastImportant:
		least := float32(math.MaxFloat32)
		for i := range p.slots {
			if imp := p.slots[i].Importance(); imp < least {
				least, best = imp, i
			}
		}
	case StealSmart:
		top := math.Inf(-1)
		for i := range p.slots {
			s := &p.slots[i]
			ageMs := float64(now-s.birth.Load()) / p.sampleRate * 1000
			score := stealAgeWeight*ageMs -
				stealAmplitudeWeight*float64(s.Amplitude()) -
				stealImportanceWeight*float64(s.Importance())
			if score > top {
				top, best = score, i
			}
		}
	}
	return best
}
