package vocoder

import (
	"math"
	"math/rand"
	"testing"
)

func sineBuffer(n int, freq, rate float64) []float32 {
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return buf
}

func noiseBuffer(n int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = float32(rng.Float64()*2 - 1)
	}
	return buf
}

// correlation over [lo, hi), normalized to [-1, 1].
func correlation(a, b []float32, lo, hi int) float64 {
	var dot, ea, eb float64
	for i := lo; i < hi; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		ea += x * x
		eb += y * y
	}
	if ea == 0 || eb == 0 {
		return 0
	}
	return dot / math.Sqrt(ea*eb)
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name      string
		frameSize int
		maxFrames int
		wantErr   bool
	}{
		{name: "valid", frameSize: 1024, maxFrames: 8192, wantErr: false},
		{name: "minimum frame", frameSize: 64, maxFrames: 64, wantErr: false},
		{name: "not power of two", frameSize: 1000, maxFrames: 8192, wantErr: true},
		{name: "too small", frameSize: 32, maxFrames: 8192, wantErr: true},
		{name: "zero max frames", frameSize: 1024, maxFrames: 0, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.frameSize, tt.maxFrames)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p.Hop() != tt.frameSize/4 {
				t.Errorf("Hop() = %d, want %d", p.Hop(), tt.frameSize/4)
			}
		})
	}
}

func TestProcessBufferIdentityReproducesInput(t *testing.T) {
	const n = 8192
	p, err := New(1024, n)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	inputs := map[string][]float32{
		"sine":  sineBuffer(n, 220.5, 44100),
		"noise": noiseBuffer(n, 7),
	}
	for name, src := range inputs {
		t.Run(name, func(t *testing.T) {
			dst := make([]float32, n)
			if got := p.ProcessBuffer(dst, src, 1, 1); got != n {
				t.Fatalf("ProcessBuffer = %d frames, want %d", got, n)
			}
			// Skip the window ramp at both ends.
			if r := correlation(dst, src, p.FrameSize(), n-p.FrameSize()); r < 0.99 {
				t.Errorf("identity correlation = %f, want > 0.99", r)
			}
		})
	}
}

func TestProcessBufferPitchShiftAltersWaveform(t *testing.T) {
	const n = 8192
	p, err := New(1024, n)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := sineBuffer(n, 300, 44100)
	dst := make([]float32, n)
	p.ProcessBuffer(dst, src, 2, 1)

	var rms float64
	for i, v := range dst {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("non-finite output at %d: %v", i, v)
		}
		rms += float64(v) * float64(v)
	}
	rms = math.Sqrt(rms / n)
	if rms < 1e-4 {
		t.Fatalf("pitch-shifted output is silent, RMS = %g", rms)
	}
	if r := correlation(dst, src, p.FrameSize(), n-p.FrameSize()); r > 0.9 {
		t.Errorf("pitch 2.0 output correlates %f with input, want < 0.9", r)
	}
}

func TestProcessBufferOutputBounded(t *testing.T) {
	const n = 4096
	p, err := New(512, n)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := noiseBuffer(n, 11)
	dst := make([]float32, n)
	for _, advance := range []float64{0.25, 1, 1.5, 4} {
		p.ProcessBuffer(dst, src, advance, 1)
		for i, v := range dst {
			if math.Abs(float64(v)) > 4 {
				t.Fatalf("advance %g: |dst[%d]| = %v exceeds bound", advance, i, v)
			}
		}
	}
}

func TestProcessBufferTruncatesToCapacity(t *testing.T) {
	p, err := New(256, 1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := noiseBuffer(2048, 3)
	dst := make([]float32, 2048)
	if got := p.ProcessBuffer(dst, src, 1, 1); got != 1024 {
		t.Errorf("oversize src: frames = %d, want maxFrames 1024", got)
	}
	short := make([]float32, 300)
	if got := p.ProcessBuffer(short, src, 1, 1); got != 300 {
		t.Errorf("short dst: frames = %d, want 300", got)
	}
	if got := p.ProcessBuffer(dst, nil, 1, 1); got != 0 {
		t.Errorf("empty src: frames = %d, want 0", got)
	}
}

func TestProcessBufferDeterministicPerCall(t *testing.T) {
	const n = 4096
	p, err := New(512, n)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := noiseBuffer(n, 42)
	a := make([]float32, n)
	b := make([]float32, n)
	p.ProcessBuffer(a, src, 1.3, 0.8)
	p.ProcessBuffer(b, src, 1.3, 0.8)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("renderings diverge at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestProcessBufferKeepsTransientLocalized(t *testing.T) {
	const n = 8192
	p, err := New(1024, n)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := make([]float32, n)
	for i := 4000; i < 4008; i++ {
		src[i] = 1
	}
	dst := make([]float32, n)
	p.ProcessBuffer(dst, src, 1.5, 1)

	peak, peakAt := 0.0, 0
	for i, v := range dst {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("non-finite output at %d: %v", i, v)
		}
		if a := math.Abs(float64(v)); a > peak {
			peak, peakAt = a, i
		}
	}
	if peak == 0 {
		t.Fatal("impulse vanished")
	}
	if d := peakAt - 4000; d < -p.FrameSize() || d > p.FrameSize() {
		t.Errorf("output peak at %d, input at 4000, drift beyond one frame", peakAt)
	}
}

func TestSetTransientThresholdValidates(t *testing.T) {
	p, err := New(256, 256)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.SetTransientThreshold(0); err == nil {
		t.Error("zero threshold accepted")
	}
	if err := p.SetTransientThreshold(math.NaN()); err == nil {
		t.Error("NaN threshold accepted")
	}
	if err := p.SetTransientThreshold(0.35); err != nil {
		t.Errorf("valid threshold rejected: %v", err)
	}
}
