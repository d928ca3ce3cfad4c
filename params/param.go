// Package params implements the normalized parameter plane shared between
// the control thread and the audio thread. Values travel as normalized
// float64 in [0, 1] through atomics; the audio thread smooths them toward
// their targets once per block.
package params

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

// Errors reported by the parameter plane.
var (
	ErrUnknownParam = errors.New("params: unknown parameter id")
	ErrCorruptState = errors.New("params: corrupt state payload")
)

// Type enumerates parameter value kinds.
type Type int

const (
	// TypeFloat is a continuous value, linear or logarithmic.
	TypeFloat Type = iota
	// TypeInt is an integer value with rounding on denormalization.
	TypeInt
	// TypeBool is a two-state value with threshold 0.5.
	TypeBool
	// TypeEnum selects one of a fixed item list.
	TypeEnum
)

// Scale selects the normalized-to-real mapping for float parameters.
type Scale int

const (
	// ScaleLinear maps v to min + v*(max-min).
	ScaleLinear Scale = iota
	// ScaleLogarithmic maps v to min*(max/min)^v. The minimum is clamped
	// to 1e-7 to keep the ratio finite.
	ScaleLogarithmic
)

const (
	logScaleMinFloor = 1e-7
	smoothSnapEps    = 1e-4

	// DefaultSmoothingMs is the smoothing time constant applied unless a
	// parameter overrides it.
	DefaultSmoothingMs = 20.0
)

// EnumItem is one selectable value of an enum parameter.
type EnumItem struct {
	Value int
	Name  string
	Short string
}

// Param is a single automatable parameter. Construction is control-thread
// only; after that, target and smoothed values are exchanged via atomics
// and every method is safe from any thread unless noted.
type Param struct {
	id          uint32
	name        string
	unit        string
	typ         Type
	scale       Scale
	min, max    float64
	items       []EnumItem
	defaultNorm float64
	smoothingMs float64

	target   atomic.Uint64 // normalized float64 bits
	smoothed atomic.Uint64 // normalized float64 bits
	dirty    atomic.Bool

	onChange func(p *Param, normalized float64)
}

// Option adjusts parameter construction.
type Option func(*Param)

// WithUnit attaches a unit suffix used by String.
func WithUnit(unit string) Option {
	return func(p *Param) { p.unit = unit }
}

// WithLogScale selects logarithmic denormalization for float parameters.
func WithLogScale() Option {
	return func(p *Param) { p.scale = ScaleLogarithmic }
}

// WithSmoothing overrides the smoothing time constant in milliseconds.
// Zero disables smoothing entirely.
func WithSmoothing(ms float64) Option {
	return func(p *Param) { p.smoothingMs = ms }
}

// NewFloat creates a continuous parameter with the given real range and
// real default.
func NewFloat(id uint32, name string, min, max, def float64, opts ...Option) (*Param, error) {
	if math.IsNaN(min) || math.IsNaN(max) || min >= max {
		return nil, fmt.Errorf("params: %q range must satisfy min < max: [%g, %g]", name, min, max)
	}
	p := &Param{
		id:          id,
		name:        name,
		typ:         TypeFloat,
		min:         min,
		max:         max,
		smoothingMs: DefaultSmoothingMs,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.scale == ScaleLogarithmic {
		if p.min < logScaleMinFloor {
			p.min = logScaleMinFloor
		}
		if def < p.min {
			def = p.min
		}
	}
	if def < p.min || def > p.max {
		return nil, fmt.Errorf("params: %q default %g outside [%g, %g]", name, def, p.min, p.max)
	}
	p.defaultNorm = p.Normalize(def)
	p.storeDefault()
	return p, nil
}

// NewInt creates an integer parameter.
func NewInt(id uint32, name string, min, max, def int, opts ...Option) (*Param, error) {
	if min >= max {
		return nil, fmt.Errorf("params: %q range must satisfy min < max: [%d, %d]", name, min, max)
	}
	if def < min || def > max {
		return nil, fmt.Errorf("params: %q default %d outside [%d, %d]", name, def, min, max)
	}
	p := &Param{
		id:   id,
		name: name,
		typ:  TypeInt,
		min:  float64(min),
		max:  float64(max),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.defaultNorm = p.Normalize(float64(def))
	p.storeDefault()
	return p, nil
}

// NewBool creates a two-state parameter.
func NewBool(id uint32, name string, def bool, opts ...Option) (*Param, error) {
	p := &Param{
		id:   id,
		name: name,
		typ:  TypeBool,
		min:  0,
		max:  1,
	}
	for _, opt := range opts {
		opt(p)
	}
	if def {
		p.defaultNorm = 1
	}
	p.storeDefault()
	return p, nil
}

// NewEnum creates an enum parameter defaulting to the item at defIndex.
func NewEnum(id uint32, name string, items []EnumItem, defIndex int, opts ...Option) (*Param, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("params: %q needs at least one enum item", name)
	}
	if defIndex < 0 || defIndex >= len(items) {
		return nil, fmt.Errorf("params: %q default index %d outside [0, %d)", name, defIndex, len(items))
	}
	p := &Param{
		id:    id,
		name:  name,
		typ:   TypeEnum,
		min:   0,
		max:   float64(len(items) - 1),
		items: append([]EnumItem(nil), items...),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.defaultNorm = float64(defIndex) / float64(len(items))
	// Center inside the item's normalized band so floor() round-trips.
	p.defaultNorm += 0.5 / float64(len(items))
	p.storeDefault()
	return p, nil
}

func (p *Param) storeDefault() {
	p.target.Store(math.Float64bits(p.defaultNorm))
	p.smoothed.Store(math.Float64bits(p.defaultNorm))
}

// ID returns the stable parameter id.
func (p *Param) ID() uint32 { return p.id }

// Name returns the display name.
func (p *Param) Name() string { return p.name }

// Unit returns the unit suffix, possibly empty.
func (p *Param) Unit() string { return p.unit }

// Kind returns the parameter type.
func (p *Param) Kind() Type { return p.typ }

// Items returns the enum item list, nil for non-enum parameters.
func (p *Param) Items() []EnumItem { return p.items }

// DefaultNormalized returns the normalized default value.
func (p *Param) DefaultNormalized() float64 { return p.defaultNorm }

// SetChangeCallback installs a callback fired on every target change from
// the control thread. Must be set before audio starts.
func (p *Param) SetChangeCallback(fn func(p *Param, normalized float64)) {
	p.onChange = fn
}

// Normalized returns the normalized target value.
func (p *Param) Normalized() float64 {
	return math.Float64frombits(p.target.Load())
}

// SetNormalized clamps v to [0, 1], publishes it as the new target and
// fires the change callback.
func (p *Param) SetNormalized(v float64) {
	if math.IsNaN(v) {
		return
	}
	v = clamp01(v)
	p.target.Store(math.Float64bits(v))
	p.dirty.Store(true)
	if p.onChange != nil {
		p.onChange(p, v)
	}
}

// SmoothedNormalized returns the smoothed value the audio thread renders
// with.
func (p *Param) SmoothedNormalized() float64 {
	return math.Float64frombits(p.smoothed.Load())
}

// Real returns the denormalized target value.
func (p *Param) Real() float64 {
	return p.Denormalize(p.Normalized())
}

// SmoothedReal returns the denormalized smoothed value.
func (p *Param) SmoothedReal() float64 {
	return p.Denormalize(p.SmoothedNormalized())
}

// SetReal sets the target from a real-world value.
func (p *Param) SetReal(real float64) {
	p.SetNormalized(p.Normalize(real))
}

// BoolValue reports the target as a boolean (threshold 0.5).
func (p *Param) BoolValue() bool {
	return p.Normalized() >= 0.5
}

// EnumIndex returns the item index selected by the target value.
func (p *Param) EnumIndex() int {
	return p.enumIndexOf(p.Normalized())
}

// SmoothedEnumIndex returns the item index selected by the smoothed value.
func (p *Param) SmoothedEnumIndex() int {
	return p.enumIndexOf(p.SmoothedNormalized())
}

func (p *Param) enumIndexOf(v float64) int {
	n := len(p.items)
	if n == 0 {
		return 0
	}
	idx := int(math.Floor(v * float64(n)))
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return idx
}

// Denormalize maps a normalized value in [0, 1] to the real range.
func (p *Param) Denormalize(v float64) float64 {
	v = clamp01(v)
	switch p.typ {
	case TypeFloat:
		if p.scale == ScaleLogarithmic {
			return p.min * math.Pow(p.max/p.min, v)
		}
		return p.min + v*(p.max-p.min)
	case TypeInt:
		return math.Round(p.min + v*(p.max-p.min))
	case TypeBool:
		if v >= 0.5 {
			return 1
		}
		return 0
	case TypeEnum:
		return float64(p.items[p.enumIndexOf(v)].Value)
	}
	return v
}

// Normalize maps a real value back into [0, 1]. It is the inverse of
// Denormalize up to quantization of the stepped types.
func (p *Param) Normalize(real float64) float64 {
	switch p.typ {
	case TypeFloat:
		if p.scale == ScaleLogarithmic {
			if real < p.min {
				real = p.min
			}
			return clamp01(math.Log(real/p.min) / math.Log(p.max/p.min))
		}
		return clamp01((real - p.min) / (p.max - p.min))
	case TypeInt:
		return clamp01((real - p.min) / (p.max - p.min))
	case TypeBool:
		if real >= 0.5 {
			return 1
		}
		return 0
	case TypeEnum:
		n := len(p.items)
		for i, item := range p.items {
			if float64(item.Value) == real {
				return (float64(i) + 0.5) / float64(n)
			}
		}
		return clamp01(real)
	}
	return clamp01(real)
}

// String formats the target value for display.
func (p *Param) String() string {
	return p.Format(p.Normalized())
}

// Format renders a normalized value the way String does.
func (p *Param) Format(v float64) string {
	switch p.typ {
	case TypeBool:
		if v >= 0.5 {
			return "on"
		}
		return "off"
	case TypeEnum:
		return p.items[p.enumIndexOf(v)].Name
	case TypeInt:
		s := strconv.FormatInt(int64(p.Denormalize(v)), 10)
		if p.unit != "" {
			s += " " + p.unit
		}
		return s
	default:
		s := strconv.FormatFloat(p.Denormalize(v), 'g', 5, 64)
		if p.unit != "" {
			s += " " + p.unit
		}
		return s
	}
}

// Parse interprets a display string and returns the normalized value.
func (p *Param) Parse(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if p.unit != "" {
		s = strings.TrimSpace(strings.TrimSuffix(s, p.unit))
	}
	switch p.typ {
	case TypeBool:
		switch strings.ToLower(s) {
		case "on", "true", "yes", "1":
			return 1, nil
		case "off", "false", "no", "0":
			return 0, nil
		}
		return 0, fmt.Errorf("params: %q is not a boolean value", s)
	case TypeEnum:
		for i, item := range p.items {
			if strings.EqualFold(s, item.Name) || (item.Short != "" && strings.EqualFold(s, item.Short)) {
				return (float64(i) + 0.5) / float64(len(p.items)), nil
			}
		}
		if idx, err := strconv.Atoi(s); err == nil && idx >= 0 && idx < len(p.items) {
			return (float64(idx) + 0.5) / float64(len(p.items)), nil
		}
		return 0, fmt.Errorf("params: %q is not an item of %s", s, p.name)
	default:
		real, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(real) || math.IsInf(real, 0) {
			return 0, fmt.Errorf("params: cannot parse %q as number for %s", s, p.name)
		}
		return p.Normalize(real), nil
	}
}

// ResetSmoothing snaps the smoothed value onto the target.
func (p *Param) ResetSmoothing() {
	p.smoothed.Store(p.target.Load())
	p.dirty.Store(false)
}

// processSmoothing advances the smoothed value by frames samples of
// first-order lowpass toward the target, using the closed form of the
// per-sample recurrence, and reports whether the parameter is still
// moving. Audio thread only.
func (p *Param) processSmoothing(sampleRate float64, frames int) bool {
	if !p.dirty.Load() {
		return false
	}
	target := math.Float64frombits(p.target.Load())
	current := math.Float64frombits(p.smoothed.Load())

	coeff := 1.0 / math.Max(1, sampleRate*p.smoothingMs/1000)
	decay := math.Pow(1-coeff, float64(frames))
	current = target + (current-target)*decay
	if math.Abs(current-target) < smoothSnapEps {
		current = target
		p.dirty.Store(false)
	}
	p.smoothed.Store(math.Float64bits(current))
	return p.dirty.Load()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
