package preset

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/cwbudde/algo-granular/granular"
	"github.com/cwbudde/algo-granular/modmatrix"
)

func testEngine(t *testing.T) *granular.Engine {
	t.Helper()
	e, err := granular.NewEngine(granular.EngineConfig{SampleRate: 44100, Seed: 1})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func paramReal(t *testing.T, e *granular.Engine, id uint32) float64 {
	t.Helper()
	p, ok := e.Params().Get(id)
	if !ok {
		t.Fatalf("param %d not registered", id)
	}
	return p.Real()
}

func TestLoadJSONResolvesRelativeSourcePath(t *testing.T) {
	dir := t.TempDir()
	presetPath := filepath.Join(dir, "preset.json")
	content := `{"source_wav_path": "material/src.wav", "density_hz": 25}`
	if err := os.WriteFile(presetPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write preset: %v", err)
	}

	f, err := LoadJSON(presetPath)
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	want := filepath.Join(dir, "material", "src.wav")
	if f.SourceWavPath != want {
		t.Fatalf("source path = %q, want %q", f.SourceWavPath, want)
	}
	if f.DensityHz == nil || *f.DensityHz != 25 {
		t.Fatalf("density field = %v, want 25", f.DensityHz)
	}
}

func TestApplyFileSetsEngineState(t *testing.T) {
	dir := t.TempDir()
	presetPath := filepath.Join(dir, "preset.json")
	content := `{
  "grain_size_ms": 20,
  "grain_shape": "Rectangle",
  "density_hz": 25,
  "position": 0.4,
  "spread": 0.5,
  "pitch": 2,
  "spectral": true,
  "bypass": false,
  "lorenz": {"rho": 24},
  "routes": [
    {"source": "lorenz_X", "destination": "param_2002", "depth": 0.5, "mode": "unipolar", "smoothing_ms": 10},
    {"source": "torus_Y", "destination": "param_2008"}
  ]
}`
	if err := os.WriteFile(presetPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write preset: %v", err)
	}

	e := testEngine(t)
	f, err := LoadJSON(presetPath)
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if err := ApplyFile(e, f); err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}

	if got := paramReal(t, e, granular.ParamGrainSize); math.Abs(got-20) > 1e-9 {
		t.Errorf("grain size = %v, want 20", got)
	}
	if got := paramReal(t, e, granular.ParamDensity); math.Abs(got-25) > 1e-9 {
		t.Errorf("density = %v, want 25", got)
	}
	if got := paramReal(t, e, granular.ParamPitch); math.Abs(got-2) > 1e-9 {
		t.Errorf("pitch = %v, want 2", got)
	}
	shape, _ := e.Params().Get(granular.ParamGrainShape)
	if got := shape.EnumIndex(); got != int(granular.ShapeRectangle) {
		t.Errorf("shape index = %d, want %d", got, granular.ShapeRectangle)
	}
	spectral, _ := e.Params().Get(granular.ParamSpectral)
	if !spectral.BoolValue() {
		t.Error("spectral not enabled")
	}
	if got := e.Lorenz().Rho(); got != 24 {
		t.Errorf("rho = %v, want 24", got)
	}

	routes := e.Matrix().Routes()
	if len(routes) != 2 {
		t.Fatalf("route count = %d, want 2", len(routes))
	}
	r, ok := e.Matrix().Route("lorenz_X", "param_2002")
	if !ok {
		t.Fatal("lorenz_X -> param_2002 route missing")
	}
	if r.Depth() != 0.5 || r.Mode() != modmatrix.ModeUnipolar || r.SmoothingMs() != 10 {
		t.Errorf("route = depth %v mode %v smoothing %v", r.Depth(), r.Mode(), r.SmoothingMs())
	}
	if r, ok := e.Matrix().Route("torus_Y", "param_2008"); !ok || r.Depth() != 1 || r.Mode() != modmatrix.ModeBipolar {
		t.Error("defaulted route missing or wrong")
	}
}

func TestApplyFileValidatesRanges(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"grain size low", `{"grain_size_ms": 0.5}`},
		{"grain size high", `{"grain_size_ms": 500}`},
		{"density high", `{"density_hz": 1000}`},
		{"pitch low", `{"pitch": 0.1}`},
		{"stretch high", `{"stretch": 8}`},
		{"spread negative", `{"spread": -0.1}`},
		{"gain high", `{"gain": 3}`},
		{"chaos rate high", `{"chaos_rate": 99}`},
		{"unknown shape", `{"grain_shape": "Welch"}`},
		{"bad rho", `{"lorenz": {"rho": -1}}`},
		{"bad mode", `{"routes": [{"source": "lorenz_X", "destination": "param_2002", "mode": "ring"}]}`},
		{"negative smoothing", `{"routes": [{"source": "lorenz_X", "destination": "param_2002", "smoothing_ms": -5}]}`},
		{"unknown destination", `{"routes": [{"source": "lorenz_X", "destination": "param_42"}]}`},
		{"unknown source", `{"routes": [{"source": "rossler_X", "destination": "param_2002"}]}`},
	}
	dir := t.TempDir()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, "bad.json")
			if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
				t.Fatalf("write preset: %v", err)
			}
			f, err := LoadJSON(path)
			if err != nil {
				t.Fatalf("LoadJSON: %v", err)
			}
			if err := ApplyFile(testEngine(t), f); err == nil {
				t.Fatal("invalid preset applied without error")
			}
		})
	}
}

func TestApplyFileNilIsNoop(t *testing.T) {
	e := testEngine(t)
	before := paramReal(t, e, granular.ParamDensity)
	if err := ApplyFile(e, nil); err != nil {
		t.Fatalf("nil file: %v", err)
	}
	if got := paramReal(t, e, granular.ParamDensity); got != before {
		t.Fatalf("density changed by a nil file: %v", got)
	}
	if err := ApplyFile(nil, &File{}); err == nil {
		t.Fatal("nil engine accepted")
	}
}

func TestCaptureRoundTripsThroughJSON(t *testing.T) {
	src := testEngine(t)
	p, _ := src.Params().Get(granular.ParamDensity)
	p.SetReal(42)
	p, _ = src.Params().Get(granular.ParamGrainSize)
	p.SetReal(12)
	src.Lorenz().SetRho(26)
	if _, err := src.Matrix().CreateRoute("lorenz_Z", "param_2010", 0.7, modmatrix.ModeAbsBipolar, 0.1); err != nil {
		t.Fatalf("CreateRoute: %v", err)
	}

	path := filepath.Join(t.TempDir(), "captured.json")
	if err := SaveJSON(path, Capture(src)); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}
	f, err := LoadJSON(path)
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}

	dst := testEngine(t)
	if err := ApplyFile(dst, f); err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}
	if got := paramReal(t, dst, granular.ParamDensity); math.Abs(got-42) > 1e-6 {
		t.Errorf("density = %v, want 42", got)
	}
	if got := paramReal(t, dst, granular.ParamGrainSize); math.Abs(got-12) > 1e-6 {
		t.Errorf("grain size = %v, want 12", got)
	}
	if got := dst.Lorenz().Rho(); got != 26 {
		t.Errorf("rho = %v, want 26", got)
	}
	r, ok := dst.Matrix().Route("lorenz_Z", "param_2010")
	if !ok {
		t.Fatal("captured route missing after round trip")
	}
	if r.Depth() != 0.7 || r.Mode() != modmatrix.ModeAbsBipolar || r.Offset() != 0.1 {
		t.Errorf("route = depth %v mode %v offset %v", r.Depth(), r.Mode(), r.Offset())
	}
}
