// Package pool provides preallocated audio buffer pools and a resource
// monitor. Buffers are organized in power-of-two size classes; acquiring
// from an exhausted class fails immediately instead of allocating, so the
// audio thread can shed load by dropping work.
package pool

import (
	"fmt"
	"math/bits"
	"sync/atomic"
)

const (
	// DefaultMinBufferSize is the smallest size class in samples.
	DefaultMinBufferSize = 1024
	// DefaultMaxBufferSize bounds the largest size class in samples.
	DefaultMaxBufferSize = 1 << 17
	// DefaultBuffersPerClass is the preallocated buffer count per class.
	DefaultBuffersPerClass = 64
)

// Config sizes the pool at construction. All buffers are allocated up
// front; nothing is allocated after New returns.
type Config struct {
	MinBufferSize   int
	MaxBufferSize   int
	BuffersPerClass int
}

// DefaultConfig returns the stock pool dimensions.
func DefaultConfig() Config {
	return Config{
		MinBufferSize:   DefaultMinBufferSize,
		MaxBufferSize:   DefaultMaxBufferSize,
		BuffersPerClass: DefaultBuffersPerClass,
	}
}

// Buffer is a fixed-capacity float32 buffer owned by a size class.
type Buffer struct {
	data []float32
	home *sizeClass
}

// Data returns the full backing slice of the buffer.
func (b *Buffer) Data() []float32 { return b.data }

// Size returns the buffer capacity in samples.
func (b *Buffer) Size() int { return len(b.data) }

// Release returns the buffer to its size class. The caller must not touch
// the buffer afterwards.
func (b *Buffer) Release() {
	b.home.put(b)
}

type sizeClass struct {
	size     int
	free     chan *Buffer
	acquires atomic.Uint64
	misses   atomic.Uint64
}

func (c *sizeClass) get() *Buffer {
	c.acquires.Add(1)
	select {
	case b := <-c.free:
		return b
	default:
		c.misses.Add(1)
		return nil
	}
}

func (c *sizeClass) put(b *Buffer) {
	select {
	case c.free <- b:
	default:
		// Double release; drop rather than grow the class.
	}
}

// Pool is a fixed set of power-of-two size classes.
type Pool struct {
	cfg     Config
	minBits int
	classes []*sizeClass
}

// New builds a pool with every size class filled.
func New(cfg Config) (*Pool, error) {
	if cfg.MinBufferSize < 2 || !isPowerOfTwo(cfg.MinBufferSize) {
		return nil, fmt.Errorf("pool: min buffer size must be a power of two >= 2: %d", cfg.MinBufferSize)
	}
	if cfg.MaxBufferSize < cfg.MinBufferSize || !isPowerOfTwo(cfg.MaxBufferSize) {
		return nil, fmt.Errorf("pool: max buffer size must be a power of two >= min: %d", cfg.MaxBufferSize)
	}
	if cfg.BuffersPerClass < 1 {
		return nil, fmt.Errorf("pool: buffers per class must be >= 1: %d", cfg.BuffersPerClass)
	}

	minBits := bits.Len(uint(cfg.MinBufferSize)) - 1
	maxBits := bits.Len(uint(cfg.MaxBufferSize)) - 1
	p := &Pool{
		cfg:     cfg,
		minBits: minBits,
		classes: make([]*sizeClass, maxBits-minBits+1),
	}
	for i := range p.classes {
		size := 1 << (minBits + i)
		c := &sizeClass{
			size: size,
			free: make(chan *Buffer, cfg.BuffersPerClass),
		}
		for j := 0; j < cfg.BuffersPerClass; j++ {
			c.free <- &Buffer{data: make([]float32, size), home: c}
		}
		p.classes[i] = c
	}
	return p, nil
}

// Acquire returns a buffer of at least size samples, or nil when the
// matching class is exhausted or the size exceeds the largest class.
// Safe for concurrent use and allocation-free.
func (p *Pool) Acquire(size int) *Buffer {
	c := p.classFor(size)
	if c == nil {
		return nil
	}
	return c.get()
}

func (p *Pool) classFor(size int) *sizeClass {
	if size <= 0 {
		return nil
	}
	if size < p.cfg.MinBufferSize {
		size = p.cfg.MinBufferSize
	}
	idx := bits.Len(uint(size-1)) - p.minBits
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.classes) {
		return nil
	}
	return p.classes[idx]
}

// Stats reports per-class acquire and miss counters.
type Stats struct {
	Classes []ClassStats
}

// ClassStats describes one size class.
type ClassStats struct {
	Size     int
	Free     int
	Acquires uint64
	Misses   uint64
}

// Stats snapshots the pool counters. Free counts are instantaneous.
func (p *Pool) Stats() Stats {
	s := Stats{Classes: make([]ClassStats, len(p.classes))}
	for i, c := range p.classes {
		s.Classes[i] = ClassStats{
			Size:     c.size,
			Free:     len(c.free),
			Acquires: c.acquires.Load(),
			Misses:   c.misses.Load(),
		}
	}
	return s
}

func isPowerOfTwo(v int) bool {
	return v > 0 && v&(v-1) == 0
}
