// Package modmatrix routes modulation sources (attractor components,
// pattern measures) onto destinations (parameter setters). Route topology
// changes take a writer lock; the per-route value flow is atomic so the
// audio thread reads coherent snapshots without blocking.
package modmatrix

import (
	"math"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Mode selects how a bipolar source value maps into a contribution.
type Mode uint8

const (
	// ModeBipolar passes the source through, clamped to [-1, 1].
	ModeBipolar Mode = iota
	// ModeUnipolar maps [-1, 1] onto [0, 1] via 0.5*x + 0.5.
	ModeUnipolar
	// ModeAbsBipolar folds the source to its magnitude, clamped to [0, 1].
	ModeAbsBipolar

	modeCount
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeBipolar:
		return "bipolar"
	case ModeUnipolar:
		return "unipolar"
	case ModeAbsBipolar:
		return "abs"
	default:
		return "unknown"
	}
}

// apply maps a raw source value through the mode curve.
func (m Mode) apply(x float64) float64 {
	switch m {
	case ModeUnipolar:
		return clamp(0.5*x+0.5, 0, 1)
	case ModeAbsBipolar:
		return clamp(math.Abs(x), 0, 1)
	default:
		return clamp(x, -1, 1)
	}
}

// Route connects one source to one destination. The mutable fields live in
// one contiguous record padded to its own cache line; each field is
// updated independently by the control thread and read atomically by the
// audio thread.
type Route struct {
	_ cpu.CacheLinePad

	src *Source
	dst *Destination

	depth       atomic.Uint64 // float64 bits, [0, 1]
	offset      atomic.Uint64 // float64 bits, [-1, 1]
	smoothingMs atomic.Uint64 // float64 bits, >= 0
	mode        atomic.Uint32
	current     atomic.Uint64 // float64 bits, smoothed contribution

	// Block-lerp state, audio thread exclusive.
	blockStart float64
	blockDelta float64

	_ cpu.CacheLinePad
}

// SourceID returns the id of the route's source.
func (r *Route) SourceID() string { return r.src.id }

// DestinationID returns the id of the route's destination.
func (r *Route) DestinationID() string { return r.dst.id }

// Depth returns the route depth in [0, 1].
func (r *Route) Depth() float64 { return math.Float64frombits(r.depth.Load()) }

// SetDepth clamps and stores the route depth.
func (r *Route) SetDepth(v float64) {
	r.depth.Store(math.Float64bits(clamp(noNaN(v), 0, 1)))
}

// Offset returns the route offset in [-1, 1].
func (r *Route) Offset() float64 { return math.Float64frombits(r.offset.Load()) }

// SetOffset clamps and stores the route offset.
func (r *Route) SetOffset(v float64) {
	r.offset.Store(math.Float64bits(clamp(noNaN(v), -1, 1)))
}

// SmoothingMs returns the smoothing time constant in milliseconds.
func (r *Route) SmoothingMs() float64 { return math.Float64frombits(r.smoothingMs.Load()) }

// SetSmoothingMs clamps and stores the smoothing time constant.
func (r *Route) SetSmoothingMs(ms float64) {
	if math.IsNaN(ms) || ms < 0 {
		ms = 0
	}
	r.smoothingMs.Store(math.Float64bits(ms))
}

// Mode returns the route mode.
func (r *Route) Mode() Mode { return Mode(r.mode.Load()) }

// SetMode stores the route mode; unknown values fall back to bipolar.
func (r *Route) SetMode(m Mode) {
	if m >= modeCount {
		m = ModeBipolar
	}
	r.mode.Store(uint32(m))
}

// Current returns the smoothed contribution of this route.
func (r *Route) Current() float64 { return math.Float64frombits(r.current.Load()) }

func (r *Route) storeCurrent(v float64) {
	r.current.Store(math.Float64bits(v))
}

// target computes the instantaneous unsmoothed contribution.
func (r *Route) target() float64 {
	return r.Mode().apply(r.src.get())*r.Depth() + r.Offset()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func noNaN(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
