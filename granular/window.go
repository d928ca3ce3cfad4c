package granular

import (
	"math"
	"sync"
	"sync/atomic"
)

// Shape selects the grain envelope.
type Shape int

const (
	ShapeSine Shape = iota
	ShapeTriangle
	ShapeRectangle
	ShapeGaussian
	numShapes
)

func (s Shape) String() string {
	switch s {
	case ShapeSine:
		return "Sine"
	case ShapeTriangle:
		return "Triangle"
	case ShapeRectangle:
		return "Rectangle"
	case ShapeGaussian:
		return "Gaussian"
	}
	return "Unknown"
}

// gaussianSigma controls the Gaussian envelope width relative to the
// half length, leaving the endpoints near zero.
const gaussianSigma = 0.4

// TableLength is the envelope resolution grains index at run time.
// Grain durations are continuous, so the cloud samples a fixed-length
// table by phase instead of requesting one envelope per duration.
const TableLength = 4096

// DefaultCacheLimit bounds the number of unpinned cache entries.
const DefaultCacheLimit = 64

type windowKey struct {
	shape  Shape
	length int
}

type windowEntry struct {
	data   []float32
	used   atomic.Int64
	pinned bool
}

// WindowCache hands out immutable grain envelopes keyed by shape and
// length. Hits take only the shared lock, so the audio thread can look
// up prewarmed entries; misses compute outside the lock and evict the
// stalest unpinned entry past the bound. The per-shape run-time tables
// are pinned and never evicted.
type WindowCache struct {
	mu      sync.RWMutex
	entries map[windowKey]*windowEntry
	ticket  atomic.Int64
	limit   int
}

// NewWindowCache builds a cache bounded to limit entries (minimum 8;
// zero selects DefaultCacheLimit) with the run-time tables pinned.
func NewWindowCache(limit int) *WindowCache {
	if limit == 0 {
		limit = DefaultCacheLimit
	}
	if limit < 8 {
		limit = 8
	}
	c := &WindowCache{
		entries: make(map[windowKey]*windowEntry),
		limit:   limit,
	}
	for s := Shape(0); s < numShapes; s++ {
		c.insert(s, TableLength, true)
	}
	return c
}

// Get returns the envelope of the given shape and length, computing it
// on first request.
func (c *WindowCache) Get(shape Shape, length int) []float32 {
	if length < 1 || shape < 0 || shape >= numShapes {
		return nil
	}
	k := windowKey{shape, length}
	c.mu.RLock()
	e := c.entries[k]
	c.mu.RUnlock()
	if e != nil {
		e.used.Store(c.ticket.Add(1))
		return e.data
	}
	return c.insert(shape, length, false)
}

// Table returns the pinned fixed-resolution envelope for a shape. Safe
// on the audio thread: the entry always exists, so the call is a
// read-locked map hit.
func (c *WindowCache) Table(shape Shape) []float32 {
	if shape < 0 || shape >= numShapes {
		shape = ShapeGaussian
	}
	return c.Get(shape, TableLength)
}

// Prewarm computes envelopes for every shape at power-of-two lengths
// within [minLen, maxLen].
func (c *WindowCache) Prewarm(minLen, maxLen int) {
	for n := 1; n <= maxLen; n <<= 1 {
		if n < minLen {
			continue
		}
		for s := Shape(0); s < numShapes; s++ {
			c.Get(s, n)
		}
	}
}

// Len returns the number of cached envelopes.
func (c *WindowCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *WindowCache) insert(shape Shape, length int, pinned bool) []float32 {
	data := computeWindow(shape, length)
	k := windowKey{shape, length}
	c.mu.Lock()
	if prev := c.entries[k]; prev != nil {
		c.mu.Unlock()
		prev.used.Store(c.ticket.Add(1))
		return prev.data
	}
	if len(c.entries) >= c.limit {
		c.evictLocked()
	}
	e := &windowEntry{data: data, pinned: pinned}
	e.used.Store(c.ticket.Add(1))
	c.entries[k] = e
	c.mu.Unlock()
	return data
}

// evictLocked drops the least recently used unpinned entry.
func (c *WindowCache) evictLocked() {
	var victim windowKey
	oldest := int64(math.MaxInt64)
	found := false
	for k, e := range c.entries {
		if e.pinned {
			continue
		}
		if u := e.used.Load(); u < oldest {
			oldest, victim, found = u, k, true
		}
	}
	if found {
		delete(c.entries, victim)
	}
}

func computeWindow(shape Shape, n int) []float32 {
	w := make([]float32, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	switch shape {
	case ShapeSine:
		for i := range w {
			w[i] = float32(math.Sin(math.Pi * float64(i) / float64(n-1)))
		}
	case ShapeTriangle:
		for i := range w {
			w[i] = float32(1 - math.Abs(2*float64(i)/float64(n-1)-1))
		}
	case ShapeRectangle:
		for i := range w {
			w[i] = 1
		}
	case ShapeGaussian:
		half := float64(n-1) / 2
		for i := range w {
			x := (float64(i) - half) / (gaussianSigma * half)
			w[i] = float32(math.Exp(-0.5 * x * x))
		}
	}
	return w
}
