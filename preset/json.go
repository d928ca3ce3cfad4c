// Package preset persists engine settings: a JSON file format for hand
// written presets and a compact binary blob for host session state.
package preset

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/cwbudde/algo-granular/granular"
	"github.com/cwbudde/algo-granular/modmatrix"
	"github.com/cwbudde/algo-granular/params"
)

// File is the JSON schema for granular presets. Pointer fields are
// optional; absent fields leave the engine value untouched.
type File struct {
	SourceWavPath string `json:"source_wav_path"`

	Bypass        *bool    `json:"bypass"`
	GrainSizeMs   *float64 `json:"grain_size_ms"`
	GrainShape    string   `json:"grain_shape"`
	DensityHz     *float64 `json:"density_hz"`
	Position      *float64 `json:"position"`
	PositionRange *float64 `json:"position_range"`
	SizeVariation *float64 `json:"size_variation"`
	Gain          *float64 `json:"gain"`
	GainVariation *float64 `json:"gain_variation"`
	Spread        *float64 `json:"spread"`
	ReverseProb   *float64 `json:"reverse_probability"`
	Pitch         *float64 `json:"pitch"`
	Stretch       *float64 `json:"stretch"`
	Spectral      *bool    `json:"spectral"`
	ChaosRate     *float64 `json:"chaos_rate"`

	Lorenz *LorenzSetting `json:"lorenz"`

	Routes []RouteSetting `json:"routes"`
}

// LorenzSetting overrides the lorenz attractor parameters.
type LorenzSetting struct {
	Rho *float64 `json:"rho"`
}

// RouteSetting is one modulation route entry. Source and Destination use
// matrix ids ("lorenz_X", "torus_Y", "param_2002"). Depth defaults to 1,
// mode to bipolar.
type RouteSetting struct {
	Source      string   `json:"source"`
	Destination string   `json:"destination"`
	Depth       *float64 `json:"depth"`
	Offset      *float64 `json:"offset"`
	SmoothingMs *float64 `json:"smoothing_ms"`
	Mode        string   `json:"mode"`
}

// LoadJSON reads a preset file. A relative source_wav_path is resolved
// against the preset's directory.
func LoadJSON(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}

	if f.SourceWavPath != "" && !filepath.IsAbs(f.SourceWavPath) {
		base := filepath.Dir(path)
		f.SourceWavPath = filepath.Clean(filepath.Join(base, f.SourceWavPath))
	}
	return &f, nil
}

// SaveJSON writes a preset file.
func SaveJSON(path string, f *File) error {
	if f == nil {
		return fmt.Errorf("nil preset file")
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// ApplyFile applies a parsed preset onto a live engine: parameters, the
// lorenz override, then the route set. Loading the source material from
// SourceWavPath stays with the caller.
func ApplyFile(e *granular.Engine, f *File) error {
	if e == nil {
		return fmt.Errorf("nil destination engine")
	}
	if f == nil {
		return nil
	}
	m := e.Params()

	if f.Bypass != nil {
		setBool(m, granular.ParamBypass, *f.Bypass)
	}
	if f.GrainSizeMs != nil {
		if *f.GrainSizeMs < 1 || *f.GrainSizeMs > 100 {
			return fmt.Errorf("grain_size_ms must be in [1, 100]")
		}
		setReal(m, granular.ParamGrainSize, *f.GrainSizeMs)
	}
	if f.GrainShape != "" {
		if err := setShape(m, f.GrainShape); err != nil {
			return err
		}
	}
	if f.DensityHz != nil {
		if *f.DensityHz < 0.1 || *f.DensityHz > 100 {
			return fmt.Errorf("density_hz must be in [0.1, 100]")
		}
		setReal(m, granular.ParamDensity, *f.DensityHz)
	}
	if f.Position != nil {
		if *f.Position < 0 || *f.Position > 1 {
			return fmt.Errorf("position must be in [0, 1]")
		}
		setReal(m, granular.ParamPosition, *f.Position)
	}
	if f.PositionRange != nil {
		if *f.PositionRange < 0 || *f.PositionRange > 1 {
			return fmt.Errorf("position_range must be in [0, 1]")
		}
		setReal(m, granular.ParamPositionRange, *f.PositionRange)
	}
	if f.SizeVariation != nil {
		if *f.SizeVariation < 0 || *f.SizeVariation > 1 {
			return fmt.Errorf("size_variation must be in [0, 1]")
		}
		setReal(m, granular.ParamSizeVariation, *f.SizeVariation)
	}
	if f.Gain != nil {
		if *f.Gain < 0 || *f.Gain > 2 {
			return fmt.Errorf("gain must be in [0, 2]")
		}
		setReal(m, granular.ParamGain, *f.Gain)
	}
	if f.GainVariation != nil {
		if *f.GainVariation < 0 || *f.GainVariation > 1 {
			return fmt.Errorf("gain_variation must be in [0, 1]")
		}
		setReal(m, granular.ParamGainVariation, *f.GainVariation)
	}
	if f.Spread != nil {
		if *f.Spread < 0 || *f.Spread > 1 {
			return fmt.Errorf("spread must be in [0, 1]")
		}
		setReal(m, granular.ParamSpread, *f.Spread)
	}
	if f.ReverseProb != nil {
		if *f.ReverseProb < 0 || *f.ReverseProb > 1 {
			return fmt.Errorf("reverse_probability must be in [0, 1]")
		}
		setReal(m, granular.ParamReverseProb, *f.ReverseProb)
	}
	if f.Pitch != nil {
		if *f.Pitch < 0.25 || *f.Pitch > 4 {
			return fmt.Errorf("pitch must be in [0.25, 4]")
		}
		setReal(m, granular.ParamPitch, *f.Pitch)
	}
	if f.Stretch != nil {
		if *f.Stretch < 0.25 || *f.Stretch > 4 {
			return fmt.Errorf("stretch must be in [0.25, 4]")
		}
		setReal(m, granular.ParamStretch, *f.Stretch)
	}
	if f.Spectral != nil {
		setBool(m, granular.ParamSpectral, *f.Spectral)
	}
	if f.ChaosRate != nil {
		if *f.ChaosRate < 0.1 || *f.ChaosRate > 10 {
			return fmt.Errorf("chaos_rate must be in [0.1, 10]")
		}
		setReal(m, granular.ParamChaosRate, *f.ChaosRate)
	}

	if f.Lorenz != nil && f.Lorenz.Rho != nil {
		rho := *f.Lorenz.Rho
		if rho <= 0 || math.IsNaN(rho) || math.IsInf(rho, 0) {
			return fmt.Errorf("lorenz.rho must be positive and finite")
		}
		e.Lorenz().SetRho(rho)
	}

	if len(f.Routes) == 0 {
		return nil
	}
	specs := make([]modmatrix.RouteSpec, len(f.Routes))
	for i, rt := range f.Routes {
		mode, err := parseMode(rt.Mode)
		if err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
		spec := modmatrix.RouteSpec{
			Source:      strings.TrimSpace(rt.Source),
			Destination: strings.TrimSpace(rt.Destination),
			Depth:       1,
			Mode:        mode,
		}
		if rt.Depth != nil {
			spec.Depth = *rt.Depth
		}
		if rt.Offset != nil {
			spec.Offset = *rt.Offset
		}
		if rt.SmoothingMs != nil {
			if *rt.SmoothingMs < 0 {
				return fmt.Errorf("routes[%d]: smoothing_ms must be >= 0", i)
			}
			spec.SmoothingMs = *rt.SmoothingMs
		}
		specs[i] = spec
	}
	if err := e.Matrix().ApplySpecs(specs); err != nil {
		return fmt.Errorf("routes: %w", err)
	}
	return nil
}

// Capture snapshots a live engine into a preset file. SourceWavPath is
// left empty; the engine does not remember where its material came from.
func Capture(e *granular.Engine) *File {
	m := e.Params()
	f := &File{
		Bypass:        boolPtr(getBool(m, granular.ParamBypass)),
		GrainSizeMs:   realPtr(m, granular.ParamGrainSize),
		GrainShape:    shapeName(m),
		DensityHz:     realPtr(m, granular.ParamDensity),
		Position:      realPtr(m, granular.ParamPosition),
		PositionRange: realPtr(m, granular.ParamPositionRange),
		SizeVariation: realPtr(m, granular.ParamSizeVariation),
		Gain:          realPtr(m, granular.ParamGain),
		GainVariation: realPtr(m, granular.ParamGainVariation),
		Spread:        realPtr(m, granular.ParamSpread),
		ReverseProb:   realPtr(m, granular.ParamReverseProb),
		Pitch:         realPtr(m, granular.ParamPitch),
		Stretch:       realPtr(m, granular.ParamStretch),
		Spectral:      boolPtr(getBool(m, granular.ParamSpectral)),
		ChaosRate:     realPtr(m, granular.ParamChaosRate),
	}
	rho := e.Lorenz().Rho()
	f.Lorenz = &LorenzSetting{Rho: &rho}

	for _, s := range e.Matrix().Specs() {
		depth, offset, smoothing := s.Depth, s.Offset, s.SmoothingMs
		f.Routes = append(f.Routes, RouteSetting{
			Source:      s.Source,
			Destination: s.Destination,
			Depth:       &depth,
			Offset:      &offset,
			SmoothingMs: &smoothing,
			Mode:        s.Mode.String(),
		})
	}
	return f
}

func parseMode(s string) (modmatrix.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bipolar":
		return modmatrix.ModeBipolar, nil
	case "unipolar":
		return modmatrix.ModeUnipolar, nil
	case "abs":
		return modmatrix.ModeAbsBipolar, nil
	}
	return 0, fmt.Errorf("unknown mode %q (expected bipolar, unipolar or abs)", s)
}

func setShape(m *params.Manager, name string) error {
	p, ok := m.Get(granular.ParamGrainShape)
	if !ok {
		return fmt.Errorf("grain shape parameter not registered")
	}
	want := strings.TrimSpace(name)
	for _, item := range p.Items() {
		if strings.EqualFold(item.Name, want) {
			p.SetReal(float64(item.Value))
			return nil
		}
	}
	valid := make([]string, 0, len(p.Items()))
	for _, item := range p.Items() {
		valid = append(valid, item.Name)
	}
	return fmt.Errorf("unknown grain_shape %q (expected one of %s)", name, strings.Join(valid, ", "))
}

func setReal(m *params.Manager, id uint32, v float64) {
	if p, ok := m.Get(id); ok {
		p.SetReal(v)
	}
}

func setBool(m *params.Manager, id uint32, v bool) {
	if p, ok := m.Get(id); ok {
		if v {
			p.SetNormalized(1)
		} else {
			p.SetNormalized(0)
		}
	}
}

func getBool(m *params.Manager, id uint32) bool {
	p, ok := m.Get(id)
	return ok && p.BoolValue()
}

func realPtr(m *params.Manager, id uint32) *float64 {
	p, ok := m.Get(id)
	if !ok {
		return nil
	}
	v := p.Real()
	return &v
}

func boolPtr(v bool) *bool { return &v }

func shapeName(m *params.Manager) string {
	p, ok := m.Get(granular.ParamGrainShape)
	if !ok {
		return ""
	}
	items := p.Items()
	idx := p.EnumIndex()
	if idx < 0 || idx >= len(items) {
		return ""
	}
	return items[idx].Name
}
