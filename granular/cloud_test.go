package granular

import (
	"math"
	"testing"

	"github.com/cwbudde/algo-granular/pool"
	"github.com/cwbudde/algo-granular/source"
	"github.com/cwbudde/algo-granular/vocoder"
)

func dcMaterial(t *testing.T, frames int, level float32) *source.Material {
	t.Helper()
	data := make([]float32, frames)
	for i := range data {
		data[i] = level
	}
	m, err := source.NewMaterial(data, 1, 44100)
	if err != nil {
		t.Fatalf("NewMaterial: %v", err)
	}
	return m
}

func rampUpMaterial(t *testing.T, frames int) *source.Material {
	t.Helper()
	data := make([]float32, frames)
	for i := range data {
		data[i] = float32(i) / float32(frames)
	}
	m, err := source.NewMaterial(data, 1, 44100)
	if err != nil {
		t.Fatalf("NewMaterial: %v", err)
	}
	return m
}

func newTestCloud(t *testing.T, cfg CloudConfig) *Cloud {
	t.Helper()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 44100
	}
	if cfg.MaxGrains == 0 {
		cfg.MaxGrains = 64
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	c, err := NewCloud(cfg)
	if err != nil {
		t.Fatalf("NewCloud: %v", err)
	}
	return c
}

// steadyParams is a deterministic baseline: no jitter, centered pan,
// forward playback at native pitch.
func steadyParams() CloudParams {
	return CloudParams{
		GrainSizeMs: 50,
		Shape:       ShapeRectangle,
		Density:     20,
		Gain:        1,
		Pitch:       1,
		Stretch:     1,
	}
}

func runBlocks(c *Cloud, p CloudParams, blocks, frames int) []float32 {
	out := make([]float32, 2*frames)
	last := make([]float32, 2*frames)
	for b := 0; b < blocks; b++ {
		for i := range out {
			out[i] = 0
		}
		c.Process(out, frames, p)
		copy(last, out)
	}
	return last
}

func TestNewCloudValidatesConfig(t *testing.T) {
	if _, err := NewCloud(CloudConfig{SampleRate: 0, MaxGrains: 8}); err == nil {
		t.Error("zero sample rate accepted")
	}
	if _, err := NewCloud(CloudConfig{SampleRate: 44100, MaxGrains: 0}); err == nil {
		t.Error("zero grain capacity accepted")
	}
}

func TestCloudSilentWithoutMaterial(t *testing.T) {
	c := newTestCloud(t, CloudConfig{})
	out := runBlocks(c, steadyParams(), 20, 512)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d] = %v without material", i, v)
		}
	}
	if got := c.Spawns(); got != 0 {
		t.Errorf("Spawns = %d without material, want 0", got)
	}
}

func TestCloudSpawnRateMatchesDensity(t *testing.T) {
	c := newTestCloud(t, CloudConfig{})
	defer c.Close()
	c.SetMaterial(dcMaterial(t, 8192, 0.5))

	// 87 blocks of 512 frames = 44544 frames at 20 grains/s.
	runBlocks(c, steadyParams(), 87, 512)
	if got := c.Spawns(); got != 20 {
		t.Errorf("Spawns = %d after 44544 frames at 20 Hz, want 20", got)
	}
}

func TestCloudMixesMaterialIntoOutput(t *testing.T) {
	c := newTestCloud(t, CloudConfig{})
	defer c.Close()
	c.SetMaterial(dcMaterial(t, 8192, 1))

	p := steadyParams()
	p.Density = 40
	out := runBlocks(c, p, 20, 512)

	nonzero := false
	for i, v := range out {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			t.Fatalf("non-finite out[%d] = %v", i, v)
		}
		if v != 0 {
			nonzero = true
		}
	}
	if !nonzero {
		t.Error("no grain audio reached the output")
	}
}

func TestCloudCenteredPanFeedsBothChannelsEqually(t *testing.T) {
	c := newTestCloud(t, CloudConfig{})
	defer c.Close()
	c.SetMaterial(dcMaterial(t, 8192, 1))

	p := steadyParams()
	p.Density = 40
	p.Spread = 0
	out := runBlocks(c, p, 20, 512)
	for i := 0; i < len(out); i += 2 {
		if d := math.Abs(float64(out[i] - out[i+1])); d > 1e-6 {
			t.Fatalf("frame %d: L %v R %v differ with zero spread", i/2, out[i], out[i+1])
		}
	}
}

func TestCloudReversedGrainReadsBackwards(t *testing.T) {
	c := newTestCloud(t, CloudConfig{})
	defer c.Close()
	c.SetMaterial(rampUpMaterial(t, 8192))

	p := steadyParams()
	p.GrainSizeMs = 20 // 882 frames
	p.Density = 50     // one spawn every 882 frames
	p.ReverseProb = 1
	p.Spread = 0

	out := make([]float32, 1024)
	c.Process(out, 512, p) // accumulator below threshold, no grain yet
	for i := range out {
		out[i] = 0
	}
	c.Process(out, 512, p) // grain starts at the top of this block
	if c.ActiveGrains() != 1 {
		t.Fatalf("ActiveGrains = %d, want 1", c.ActiveGrains())
	}
	for i := 2; i < 512; i++ {
		if out[2*i] >= out[2*(i-1)] {
			t.Fatalf("reversed ramp not decreasing at frame %d: %v >= %v", i, out[2*i], out[2*(i-1)])
		}
	}
}

func TestCloudGrainsDieAfterTheirDuration(t *testing.T) {
	c := newTestCloud(t, CloudConfig{})
	defer c.Close()
	c.SetMaterial(dcMaterial(t, 8192, 1))

	p := steadyParams()
	p.GrainSizeMs = 5
	p.Density = 100
	runBlocks(c, p, 10, 512)
	if c.Spawns() == 0 {
		t.Fatal("no grains spawned")
	}

	p.Density = 0
	out := runBlocks(c, p, 4, 512) // over 4x the grain duration
	if got := c.ActiveGrains(); got != 0 {
		t.Fatalf("ActiveGrains = %d after spawning stopped, want 0", got)
	}
	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d] = %v after all grains ended", i, v)
		}
	}
}

func TestCloudStealsWhenFull(t *testing.T) {
	c := newTestCloud(t, CloudConfig{MaxGrains: 2, Strategy: StealOldest})
	defer c.Close()
	c.SetMaterial(dcMaterial(t, 8192, 1))

	p := steadyParams()
	p.GrainSizeMs = 100
	p.Density = 80
	runBlocks(c, p, 40, 512)

	if got := c.Voices().Steals(); got == 0 {
		t.Error("dense cloud over 2 voices never stole")
	}
	if got := c.ActiveGrains(); got > 2 {
		t.Errorf("ActiveGrains = %d, capacity 2", got)
	}
	sawSteal := false
	for {
		ev, ok := c.Events().Pop()
		if !ok {
			break
		}
		if ev.Kind == EventSteal {
			sawSteal = true
		}
	}
	if !sawSteal {
		t.Error("no steal event recorded")
	}
}

func TestCloudMaterialSwapKeepsGrainsOnOldMaterial(t *testing.T) {
	c := newTestCloud(t, CloudConfig{})
	defer c.Close()

	a := dcMaterial(t, 8192, 1)
	b := dcMaterial(t, 8192, -1)
	c.SetMaterial(a)
	a.Close()

	p := steadyParams()
	p.Density = 40
	p.Spread = 0
	for c.Spawns() == 0 {
		runBlocks(c, p, 1, 512)
	}

	c.SetMaterial(b)
	b.Close()
	p.Density = 0
	out := runBlocks(c, p, 1, 512)
	positive := false
	for i := 0; i < len(out); i += 2 {
		if out[i] > 0.1 {
			positive = true
		}
		if out[i] < 0 {
			t.Fatalf("negative sample %v before any new-material grain", out[i])
		}
	}
	if !positive {
		t.Fatal("in-flight grain went silent after material swap")
	}

	runBlocks(c, p, 6, 512) // let the old grains run out
	p.Density = 40
	out = runBlocks(c, p, 20, 512)
	negative := false
	for i := 0; i < len(out); i += 2 {
		if out[i] < -0.1 {
			negative = true
		}
	}
	if !negative {
		t.Fatal("no grain from the swapped-in material reached the output")
	}
}

func TestCloudSpectralSpawnsDropWhenPoolExhausted(t *testing.T) {
	buffers, err := pool.New(pool.Config{MinBufferSize: 1024, MaxBufferSize: 1024, BuffersPerClass: 1})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	voc, err := vocoder.New(256, 2048)
	if err != nil {
		t.Fatalf("vocoder.New: %v", err)
	}
	c := newTestCloud(t, CloudConfig{Buffers: buffers, Vocoder: voc})
	defer c.Close()
	c.SetMaterial(dcMaterial(t, 8192, 0.5))

	p := steadyParams()
	p.Spectral = true
	p.GrainSizeMs = 23 // 1014 frames, one 1024-sample buffer each
	p.Density = 60
	runBlocks(c, p, 40, 512)

	if c.Spawns() == 0 {
		t.Fatal("no spectral grain ever spawned")
	}
	if c.Drops() == 0 {
		t.Fatal("single-buffer pool never forced a drop")
	}
	sawOverrun := false
	for {
		ev, ok := c.Events().Pop()
		if !ok {
			break
		}
		if ev.Kind == EventOverrun {
			sawOverrun = true
		}
	}
	if !sawOverrun {
		t.Error("no overrun event recorded for dropped spawns")
	}
}

func TestCloudSpectralIdentityProducesAudio(t *testing.T) {
	buffers, err := pool.New(pool.Config{MinBufferSize: 1024, MaxBufferSize: 4096, BuffersPerClass: 8})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	voc, err := vocoder.New(256, 4096)
	if err != nil {
		t.Fatalf("vocoder.New: %v", err)
	}
	c := newTestCloud(t, CloudConfig{Buffers: buffers, Vocoder: voc})
	defer c.Close()
	c.SetMaterial(dcMaterial(t, 8192, 0.8))

	p := steadyParams()
	p.Spectral = true
	p.Density = 40
	out := runBlocks(c, p, 30, 512)

	var peak float64
	for i, v := range out {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			t.Fatalf("non-finite out[%d] = %v", i, v)
		}
		if a := math.Abs(f); a > peak {
			peak = a
		}
	}
	if peak < 1e-3 {
		t.Fatalf("spectral grains inaudible, peak %g", peak)
	}
}

func TestCloudResetEndsEverything(t *testing.T) {
	c := newTestCloud(t, CloudConfig{})
	defer c.Close()
	c.SetMaterial(dcMaterial(t, 8192, 1))

	p := steadyParams()
	p.Density = 80
	runBlocks(c, p, 20, 512)
	if c.ActiveGrains() == 0 {
		t.Fatal("no active grains before reset")
	}
	c.Reset()
	if got := c.ActiveGrains(); got != 0 {
		t.Fatalf("ActiveGrains = %d after Reset, want 0", got)
	}
	p.Density = 0
	out := runBlocks(c, p, 1, 512)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d] = %v after Reset", i, v)
		}
	}
}

func BenchmarkCloudProcess(b *testing.B) {
	c, err := NewCloud(CloudConfig{SampleRate: 44100, MaxGrains: 64, Seed: 1})
	if err != nil {
		b.Fatalf("NewCloud: %v", err)
	}
	defer c.Close()
	data := make([]float32, 1<<16)
	for i := range data {
		data[i] = float32(math.Sin(float64(i) * 0.01))
	}
	m, err := source.NewMaterial(data, 1, 44100)
	if err != nil {
		b.Fatalf("NewMaterial: %v", err)
	}
	c.SetMaterial(m)
	m.Close()

	p := steadyParams()
	p.Density = 50
	p.Spread = 1
	p.PositionRange = 0.3
	out := make([]float32, 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := range out {
			out[j] = 0
		}
		c.Process(out, 512, p)
	}
}
