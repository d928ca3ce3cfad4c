package wavio

import (
	"math"
	"path/filepath"
	"testing"
)

func TestWriteReadMonoRoundTrip(t *testing.T) {
	sr := 44100
	n := 4096
	in := make([]float32, n)
	for i := range in {
		in[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(i)/float64(sr)))
	}
	path := filepath.Join(t.TempDir(), "out", "tone.wav")
	if err := WriteMono(path, in, sr); err != nil {
		t.Fatalf("WriteMono: %v", err)
	}

	got, gotRate, err := ReadMono(path)
	if err != nil {
		t.Fatalf("ReadMono: %v", err)
	}
	if gotRate != sr {
		t.Fatalf("sample rate = %d, want %d", gotRate, sr)
	}
	if len(got) != n {
		t.Fatalf("frames = %d, want %d", len(got), n)
	}
	for i := range got {
		if d := math.Abs(got[i] - float64(in[i])); d > 1e-3 {
			t.Fatalf("sample %d off by %g after 16-bit round trip", i, d)
		}
	}
}

func TestWriteStereoReadMonoAverages(t *testing.T) {
	sr := 48000
	n := 1024
	left := make([]float32, n)
	right := make([]float32, n)
	for i := range left {
		left[i] = 0.5
		right[i] = -0.5
	}
	path := filepath.Join(t.TempDir(), "flat.wav")
	if err := WriteStereo(path, left, right, sr); err != nil {
		t.Fatalf("WriteStereo: %v", err)
	}
	got, _, err := ReadMono(path)
	if err != nil {
		t.Fatalf("ReadMono: %v", err)
	}
	for i := range got {
		if math.Abs(got[i]) > 1e-3 {
			t.Fatalf("sample %d = %g, want ~0 after averaging opposite channels", i, got[i])
		}
	}
}

func TestWriteStereoRejectsLengthMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	if err := WriteStereo(path, make([]float32, 10), make([]float32, 11), 44100); err == nil {
		t.Fatal("mismatched channel lengths accepted")
	}
}

func TestResampleIdentityReturnsInput(t *testing.T) {
	in := []float64{0.1, 0.2, 0.3}
	out, err := Resample(in, 44100, 44100)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if &out[0] != &in[0] {
		t.Fatal("same-rate resample copied the input")
	}
}

func TestResampleHalvesRateKeepsLevel(t *testing.T) {
	inRate, outRate := 44100, 22050
	n := 8192
	in := make([]float64, n)
	for i := range in {
		in[i] = math.Sin(2 * math.Pi * 1000 * float64(i) / float64(inRate))
	}
	out, err := Resample(in, inRate, outRate)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	want := n / 2
	if d := len(out) - want; d < -2 || d > 2 {
		t.Fatalf("output length = %d, want ~%d", len(out), want)
	}

	// Compare RMS over the middle to stay clear of filter edges.
	mid := out[len(out)/4 : 3*len(out)/4]
	var sum float64
	for _, v := range mid {
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(mid)))
	ref := 1 / math.Sqrt2
	if db := 20 * math.Log10(rms/ref); math.Abs(db) > 1 {
		t.Fatalf("passband level off by %.2f dB", db)
	}
}

func TestMonoMix64AveragesAndTruncates(t *testing.T) {
	left := []float32{0.2, 0.4, 0.6}
	right := []float32{0.6, 0.0}
	got := MonoMix64(left, right)
	if len(got) != 2 {
		t.Fatalf("length = %d, want 2", len(got))
	}
	if math.Abs(got[0]-0.4) > 1e-7 || math.Abs(got[1]-0.2) > 1e-7 {
		t.Fatalf("mix = %v", got)
	}
}

func TestRMSKnownValues(t *testing.T) {
	if got := RMS(); got != 0 {
		t.Fatalf("empty RMS = %g", got)
	}
	flat := make([]float32, 100)
	for i := range flat {
		flat[i] = 0.5
	}
	if got := RMS(flat, flat); math.Abs(got-0.5) > 1e-7 {
		t.Fatalf("RMS of constant 0.5 = %g", got)
	}
}
