package params

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// stateCountLimit rejects state payloads whose declared parameter count is
// implausibly large before any allocation happens.
const stateCountLimit = 1 << 20

// Manager owns the parameter registry. Registration happens on the control
// thread before audio starts; afterwards the audio thread iterates a
// published snapshot without taking the lock.
type Manager struct {
	mu       sync.Mutex
	byID     map[uint32]*Param
	ordered  []*Param
	snapshot atomic.Pointer[[]*Param]
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	m := &Manager{byID: make(map[uint32]*Param)}
	empty := []*Param{}
	m.snapshot.Store(&empty)
	return m
}

// Register adds a parameter; ids must be unique.
func (m *Manager) Register(p *Param) error {
	if p == nil {
		return fmt.Errorf("params: cannot register nil parameter")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[p.id]; exists {
		return fmt.Errorf("params: duplicate parameter id %d (%s)", p.id, p.name)
	}
	m.byID[p.id] = p
	m.ordered = append(m.ordered, p)
	snap := append([]*Param(nil), m.ordered...)
	m.snapshot.Store(&snap)
	return nil
}

// Get looks a parameter up by id.
func (m *Manager) Get(id uint32) (*Param, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	return p, ok
}

// SetNormalized sets a parameter target by id.
func (m *Manager) SetNormalized(id uint32, v float64) error {
	p, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownParam, id)
	}
	p.SetNormalized(v)
	return nil
}

// All returns the parameters in registration order.
func (m *Manager) All() []*Param {
	return *m.snapshot.Load()
}

// ResetToDefaults restores every parameter's default and snaps smoothing.
func (m *Manager) ResetToDefaults() {
	for _, p := range m.All() {
		p.SetNormalized(p.defaultNorm)
		p.ResetSmoothing()
	}
}

// ResetSmoothing snaps every parameter's smoothed value to its target.
func (m *Manager) ResetSmoothing() {
	for _, p := range m.All() {
		p.ResetSmoothing()
	}
}

// ProcessChanges advances smoothing for every pending parameter by one
// block of frames and returns how many are still moving. Called by the
// audio thread at block start; allocation-free.
func (m *Manager) ProcessChanges(sampleRate float64, frames int) int {
	moving := 0
	for _, p := range *m.snapshot.Load() {
		if p.processSmoothing(sampleRate, frames) {
			moving++
		}
	}
	return moving
}

// SaveState writes the normalized targets as a little-endian stream:
// u64 count, then count pairs of (u32 id, f32 normalized).
func (m *Manager) SaveState(w io.Writer) error {
	all := m.All()
	if err := binary.Write(w, binary.LittleEndian, uint64(len(all))); err != nil {
		return fmt.Errorf("params: write count: %w", err)
	}
	for _, p := range all {
		if err := binary.Write(w, binary.LittleEndian, p.id); err != nil {
			return fmt.Errorf("params: write id %d: %w", p.id, err)
		}
		if err := binary.Write(w, binary.LittleEndian, float32(p.Normalized())); err != nil {
			return fmt.Errorf("params: write value %d: %w", p.id, err)
		}
	}
	return nil
}

// LoadState reads a stream written by SaveState. Ids that are not
// registered are skipped; registered parameters missing from the stream
// keep their current value. A payload shorter than its declared count
// reports ErrCorruptState.
func (m *Manager) LoadState(r io.Reader) error {
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("%w: count: %v", ErrCorruptState, err)
	}
	if count > stateCountLimit {
		return fmt.Errorf("%w: implausible parameter count %d", ErrCorruptState, count)
	}
	for i := uint64(0); i < count; i++ {
		var (
			id   uint32
			norm float32
		)
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return fmt.Errorf("%w: entry %d id: %v", ErrCorruptState, i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &norm); err != nil {
			return fmt.Errorf("%w: entry %d value: %v", ErrCorruptState, i, err)
		}
		if p, ok := m.Get(id); ok {
			p.SetNormalized(float64(norm))
			p.ResetSmoothing()
		}
	}
	return nil
}
