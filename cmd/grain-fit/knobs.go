package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cwbudde/algo-granular/preset"
)

type knobDef struct {
	Name  string
	Min   float64
	Max   float64
	IsInt bool
}

type candidate struct {
	Vals []float64
}

// shapeNames lists the grain window shapes in engine enum order.
var shapeNames = []string{"Sine", "Triangle", "Rectangle", "Gaussian"}

// parseOptimizeGroups parses a comma-separated string of group names.
// Valid groups: grain, motion, mix, chaos.
func parseOptimizeGroups(raw string) (map[string]bool, error) {
	valid := map[string]bool{"grain": true, "motion": true, "mix": true, "chaos": true}
	groups := make(map[string]bool)
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !valid[s] {
			return nil, fmt.Errorf("unknown optimize group %q (valid: grain, motion, mix, chaos)", s)
		}
		groups[s] = true
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("no optimize groups specified")
	}
	return groups, nil
}

func initCandidate(base *preset.File, groups map[string]bool) ([]knobDef, candidate) {
	if base == nil {
		base = &preset.File{}
	}

	defs := make([]knobDef, 0, 16)
	vals := make([]float64, 0, 16)
	addKnob := func(def knobDef, val float64) {
		for _, d := range defs {
			if d.Name == def.Name {
				return
			}
		}
		defs = append(defs, def)
		vals = append(vals, val)
	}

	// Grain surface knobs.
	if groups["grain"] {
		addKnob(knobDef{Name: "grain_size_ms", Min: 1, Max: 100}, floatOr(base.GrainSizeMs, 50))
		addKnob(knobDef{Name: "grain_shape", Min: 0, Max: float64(len(shapeNames) - 1), IsInt: true}, float64(shapeIndexByName(base.GrainShape)))
		addKnob(knobDef{Name: "density_hz", Min: 0.1, Max: 100}, floatOr(base.DensityHz, 10))
		addKnob(knobDef{Name: "size_variation", Min: 0, Max: 1}, floatOr(base.SizeVariation, 0))
		addKnob(knobDef{Name: "reverse_probability", Min: 0, Max: 1}, floatOr(base.ReverseProb, 0))
	}

	// Playback head knobs.
	if groups["motion"] {
		addKnob(knobDef{Name: "position", Min: 0, Max: 1}, floatOr(base.Position, 0))
		addKnob(knobDef{Name: "position_range", Min: 0, Max: 1}, floatOr(base.PositionRange, 0.1))
		addKnob(knobDef{Name: "pitch", Min: 0.25, Max: 4}, floatOr(base.Pitch, 1))
		addKnob(knobDef{Name: "stretch", Min: 0.25, Max: 4}, floatOr(base.Stretch, 1))
	}

	// Output mix knobs. The gain floor keeps candidates audible; a silent
	// render scores the degenerate worst case and wastes the evaluation.
	if groups["mix"] {
		addKnob(knobDef{Name: "gain", Min: 0.25, Max: 2}, floatOr(base.Gain, 1))
		addKnob(knobDef{Name: "gain_variation", Min: 0, Max: 1}, floatOr(base.GainVariation, 0))
		addKnob(knobDef{Name: "spread", Min: 0, Max: 1}, floatOr(base.Spread, 1))
	}

	// Chaos knobs. Route depths only exist for routes the base preset
	// carries; without routes the attractors modulate nothing.
	if groups["chaos"] {
		addKnob(knobDef{Name: "chaos_rate", Min: 0.1, Max: 10}, floatOr(base.ChaosRate, 1))
		rho := 28.0
		if base.Lorenz != nil && base.Lorenz.Rho != nil {
			rho = *base.Lorenz.Rho
		}
		addKnob(knobDef{Name: "lorenz_rho", Min: 16, Max: 40}, rho)
		for i, rt := range base.Routes {
			depth := 1.0
			if rt.Depth != nil {
				depth = *rt.Depth
			}
			addKnob(knobDef{Name: fmt.Sprintf("route.%d.depth", i), Min: 0, Max: 1}, depth)
		}
	}

	for i := range vals {
		vals[i] = clamp(vals[i], defs[i].Min, defs[i].Max)
		if defs[i].IsInt {
			vals[i] = math.Round(vals[i])
		}
	}
	return defs, candidate{Vals: vals}
}

// applyCandidate projects knob values onto a copy of the base preset.
// The base file is never mutated.
func applyCandidate(base *preset.File, defs []knobDef, c candidate) *preset.File {
	out := clonePreset(base)

	for i, def := range defs {
		v := c.Vals[i]
		if idx, ok := routeKnobIndex(def.Name); ok {
			if idx >= 0 && idx < len(out.Routes) {
				d := v
				out.Routes[idx].Depth = &d
			}
			continue
		}
		switch def.Name {
		case "grain_size_ms":
			out.GrainSizeMs = f64(v)
		case "grain_shape":
			out.GrainShape = shapeNameByIndex(int(math.Round(v)))
		case "density_hz":
			out.DensityHz = f64(v)
		case "size_variation":
			out.SizeVariation = f64(v)
		case "reverse_probability":
			out.ReverseProb = f64(v)
		case "position":
			out.Position = f64(v)
		case "position_range":
			out.PositionRange = f64(v)
		case "pitch":
			out.Pitch = f64(v)
		case "stretch":
			out.Stretch = f64(v)
		case "gain":
			out.Gain = f64(v)
		case "gain_variation":
			out.GainVariation = f64(v)
		case "spread":
			out.Spread = f64(v)
		case "chaos_rate":
			out.ChaosRate = f64(v)
		case "lorenz_rho":
			out.Lorenz = &preset.LorenzSetting{Rho: f64(v)}
		}
	}
	return out
}

func fromNormalized(pos []float64, defs []knobDef) candidate {
	vals := make([]float64, len(defs))
	for i := range defs {
		x := 0.0
		if i < len(pos) {
			x = clamp(pos[i], 0, 1)
		}
		v := defs[i].Min + x*(defs[i].Max-defs[i].Min)
		if defs[i].IsInt {
			v = math.Round(v)
		}
		vals[i] = v
	}
	return candidate{Vals: vals}
}

// routeKnobIndex extracts N from a "route.N.depth" knob name.
func routeKnobIndex(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "route.")
	if !ok {
		return 0, false
	}
	num, ok := strings.CutSuffix(rest, ".depth")
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(num)
	if err != nil {
		return 0, false
	}
	return idx, true
}

func shapeIndexByName(name string) int {
	want := strings.TrimSpace(name)
	for i, n := range shapeNames {
		if strings.EqualFold(n, want) {
			return i
		}
	}
	// Gaussian, matching the engine default.
	return len(shapeNames) - 1
}

func shapeNameByIndex(idx int) string {
	if idx < 0 {
		idx = 0
	}
	if idx >= len(shapeNames) {
		idx = len(shapeNames) - 1
	}
	return shapeNames[idx]
}

func floatOr(p *float64, fallback float64) float64 {
	if p != nil {
		return *p
	}
	return fallback
}

func f64(v float64) *float64 { return &v }
