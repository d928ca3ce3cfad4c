package source

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	dspresample "github.com/cwbudde/algo-dsp/dsp/resample"
	"github.com/cwbudde/wav"
	"github.com/go-audio/audio"
)

func writeTestWAV(t *testing.T, path string, data []float32, channels, sampleRate int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &audio.Float32Buffer{
		Format: &audio.Format{
			SampleRate:  sampleRate,
			NumChannels: channels,
		},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
}

func sineData(frames, channels int, freq, amp float64) []float32 {
	data := make([]float32, frames*channels)
	for i := 0; i < frames; i++ {
		v := float32(amp * math.Sin(2*math.Pi*freq*float64(i)/44100))
		for c := 0; c < channels; c++ {
			data[i*channels+c] = v
		}
	}
	return data
}

func TestOpenReadsBackWrittenAudio(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sine.wav")
	data := sineData(2048, 2, 440, 0.5)
	writeTestWAV(t, path, data, 2, 44100)

	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	if m.Frames() != 2048 {
		t.Fatalf("Frames = %d, want 2048", m.Frames())
	}
	if m.Channels() != 2 {
		t.Fatalf("Channels = %d, want 2", m.Channels())
	}
	if m.SampleRate() != 44100 {
		t.Fatalf("SampleRate = %g, want 44100", m.SampleRate())
	}
	for i := int64(0); i < m.Frames(); i++ {
		want := data[i*2]
		if got := m.Sample(0, i); math.Abs(float64(got-want)) > 1e-3 {
			t.Fatalf("frame %d: sample = %g, want %g", i, got, want)
		}
	}
}

func TestMappedAndDecodedViewsAgree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agree.wav")
	data := sineData(1024, 1, 200, 0.8)
	writeTestWAV(t, path, data, 1, 44100)

	mapped, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer mapped.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	defer decoded.Close()

	if mapped.Frames() != decoded.Frames() {
		t.Fatalf("frame counts differ: %d vs %d", mapped.Frames(), decoded.Frames())
	}
	for i := int64(0); i < mapped.Frames(); i++ {
		a, b := mapped.Sample(0, i), decoded.Sample(0, i)
		if math.Abs(float64(a-b)) > 1e-4 {
			t.Fatalf("frame %d: mapped %g vs decoded %g", i, a, b)
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	junk := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 64)
	if _, err := Decode(bytes.NewReader(junk)); !errors.Is(err, ErrDecode) {
		t.Fatalf("Decode(junk): got %v, want ErrDecode", err)
	}
}

func TestNewMaterialValidation(t *testing.T) {
	if _, err := NewMaterial(make([]float32, 8), 0, 44100); err == nil {
		t.Fatal("zero channels accepted")
	}
	if _, err := NewMaterial(make([]float32, 8), 2, 0); err == nil {
		t.Fatal("zero sample rate accepted")
	}
	if _, err := NewMaterial(make([]float32, 7), 2, 44100); err == nil {
		t.Fatal("ragged interleaving accepted")
	}
	m, err := NewMaterial(make([]float32, 8), 2, 44100)
	if err != nil {
		t.Fatalf("valid material rejected: %v", err)
	}
	if m.Frames() != 4 {
		t.Fatalf("Frames = %d, want 4", m.Frames())
	}
}

func TestReadsOutsideMaterialAreSilent(t *testing.T) {
	data := []float32{0.5, -0.5, 0.25, -0.25}
	m, err := NewMaterial(data, 1, 44100)
	if err != nil {
		t.Fatal(err)
	}

	if v := m.Sample(0, -1); v != 0 {
		t.Fatalf("Sample before start = %g, want 0", v)
	}
	if v := m.Sample(0, m.Frames()); v != 0 {
		t.Fatalf("Sample past end = %g, want 0", v)
	}
	if v := m.Sample(1, 0); v != 0 {
		t.Fatalf("Sample on missing channel = %g, want 0", v)
	}
	if v := m.SampleLinear(0, -2.5); v != 0 {
		t.Fatalf("SampleLinear before start = %g, want 0", v)
	}
	if v := m.SampleHermite(0, float64(m.Frames())+3); v != 0 {
		t.Fatalf("SampleHermite past end = %g, want 0", v)
	}
}

func TestReadAtZeroFillsPastEOF(t *testing.T) {
	data := []float32{1, 2, 3, 4}
	m, err := NewMaterial(data, 1, 44100)
	if err != nil {
		t.Fatal(err)
	}

	dst := make([]float32, 8)
	for i := range dst {
		dst[i] = -9
	}
	read := m.ReadAt(2, dst, 8)
	if read != 2 {
		t.Fatalf("read = %d frames, want 2", read)
	}
	want := []float32{3, 4, 0, 0, 0, 0, 0, 0}
	for i, w := range want {
		if dst[i] != w {
			t.Fatalf("dst[%d] = %g, want %g", i, dst[i], w)
		}
	}
}

func TestSampleLinearHitsMidpoints(t *testing.T) {
	m, err := NewMaterial([]float32{0, 1, 0, -1}, 1, 44100)
	if err != nil {
		t.Fatal(err)
	}
	if v := m.SampleLinear(0, 0.5); math.Abs(float64(v)-0.5) > 1e-6 {
		t.Fatalf("SampleLinear(0.5) = %g, want 0.5", v)
	}
	if v := m.SampleLinear(0, 2.5); math.Abs(float64(v)+0.5) > 1e-6 {
		t.Fatalf("SampleLinear(2.5) = %g, want -0.5", v)
	}
}

func TestSampleHermiteReproducesRamp(t *testing.T) {
	// A cubic interpolator is exact on a straight line.
	data := make([]float32, 16)
	for i := range data {
		data[i] = float32(i) * 0.05
	}
	m, err := NewMaterial(data, 1, 44100)
	if err != nil {
		t.Fatal(err)
	}
	for _, pos := range []float64{2.25, 5.5, 9.75} {
		want := pos * 0.05
		if v := m.SampleHermite(0, pos); math.Abs(float64(v)-want) > 1e-6 {
			t.Fatalf("SampleHermite(%g) = %g, want %g", pos, v, want)
		}
	}
}

func TestConvertRateScalesFrameCount(t *testing.T) {
	data := sineData(4096, 1, 440, 0.5)
	m, err := NewMaterial(data, 1, 48000)
	if err != nil {
		t.Fatal(err)
	}

	conv, err := m.ConvertRate(24000, dspresample.QualityFast)
	if err != nil {
		t.Fatalf("ConvertRate: %v", err)
	}
	defer conv.Close()
	if conv.SampleRate() != 24000 {
		t.Fatalf("SampleRate = %g, want 24000", conv.SampleRate())
	}
	ratio := float64(conv.Frames()) / float64(m.Frames())
	if ratio < 0.45 || ratio > 0.55 {
		t.Fatalf("frame ratio = %g, want ~0.5", ratio)
	}

	same, err := m.ConvertRate(48000, dspresample.QualityFast)
	if err != nil {
		t.Fatal(err)
	}
	if same != m {
		t.Fatal("matching rate must return the same material")
	}
	same.Release()
}

func TestReleaseUnmapsOnlyAfterLastReference(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refs.wav")
	writeTestWAV(t, path, sineData(512, 1, 100, 0.5), 1, 44100)

	m, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Mapped() {
		t.Skip("mapping unavailable on this platform")
	}

	m.Retain()
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if !m.Mapped() {
		t.Fatal("material unmapped while a reference remains")
	}
	if v := m.Sample(0, 10); v == 0 {
		t.Fatal("retained material went silent")
	}
	m.Release()
	if m.Mapped() {
		t.Fatal("material still mapped after the last release")
	}
}
