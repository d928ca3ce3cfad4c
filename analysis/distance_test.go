package analysis

import (
	"math"
	"math/rand"
	"testing"
)

func TestCompareIdenticalSignalsHasLowDistance(t *testing.T) {
	sr := 44100
	x := makeBursts(sr, 4, 0.05, 2, 7)
	m := Compare(x, x, sr)
	if m.Score > 0.01 {
		t.Fatalf("expected near-zero score for identical signals, got %f", m.Score)
	}
	if m.Similarity < 0.95 {
		t.Fatalf("expected high similarity for identical signals, got %f", m.Similarity)
	}
	if m.OnsetRateDiff != 0 {
		t.Fatalf("onset rates diverged on identical input: %f", m.OnsetRateDiff)
	}
}

func TestCompareDifferentSpectraHasHigherDistance(t *testing.T) {
	sr := 44100
	a := makeSine(sr, 440, 2)
	b := makeNoise(sr, 2, 11)
	m := Compare(a, b, sr)
	if m.Score < 0.25 {
		t.Fatalf("expected higher score for sine vs noise, got %f", m.Score)
	}
	if m.SpectralRMSEDB < 10 {
		t.Fatalf("spectral distance too small for sine vs noise: %f dB", m.SpectralRMSEDB)
	}
}

func TestCompareSeparatesOnsetDensities(t *testing.T) {
	sr := 44100
	sparse := makeBursts(sr, 2, 0.1, 2, 17)
	dense := makeBursts(sr, 20, 0.025, 2, 19)
	m := Compare(sparse, dense, sr)
	if m.OnsetRateDiff < 10 {
		t.Fatalf("onset rate difference = %f, want > 10", m.OnsetRateDiff)
	}
	if m.Score < 0.25 {
		t.Fatalf("expected higher score for sparse vs dense bursts, got %f", m.Score)
	}
}

func TestCompareMeasuresBurstRate(t *testing.T) {
	sr := 44100
	x := makeBursts(sr, 4, 0.05, 2, 23)
	m := Compare(x, x, sr)
	if m.RefOnsetRate < 3 || m.RefOnsetRate > 5 {
		t.Fatalf("onset rate for 4 bursts/s = %f, want within (3, 5)", m.RefOnsetRate)
	}
}

func TestCompareDegenerateInputsScoreOne(t *testing.T) {
	sr := 44100
	sig := makeNoise(sr, 1, 29)
	cases := []struct {
		name string
		ref  []float64
		cand []float64
		rate int
	}{
		{"nil reference", nil, sig, sr},
		{"nil candidate", sig, nil, sr},
		{"zero sample rate", sig, sig, 0},
		{"silent reference", make([]float64, sr), sig, sr},
		{"too short", sig[:100], sig[:100], sr},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Compare(tc.ref, tc.cand, tc.rate)
			if m.Score != 1.0 || m.Similarity != 0.0 {
				t.Fatalf("score/similarity = %f/%f, want 1/0", m.Score, m.Similarity)
			}
		})
	}
}

func TestOnsetRateHysteresis(t *testing.T) {
	env := []float64{-60, -60, -10, -10, -60, -10, -60, -60}
	if got := onsetRate(env, 0.5); got != 0.5 {
		t.Fatalf("onsetRate = %f, want 0.5", got)
	}

	flat := make([]float64, 64)
	for i := range flat {
		flat[i] = -20 + 2*math.Sin(float64(i))
	}
	if got := onsetRate(flat, 0.01); got != 0 {
		t.Fatalf("sub-threshold wiggle counted as onsets: %f", got)
	}

	if got := onsetRate(env[:3], 0.5); got != 0 {
		t.Fatalf("onsetRate on a short envelope = %f, want 0", got)
	}
}

func makeSine(sr int, freq float64, durationSec float64) []float64 {
	n := int(float64(sr) * durationSec)
	out := make([]float64, n)
	for i := range out {
		out[i] = 0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(sr))
	}
	return out
}

func makeNoise(sr int, durationSec float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, int(float64(sr)*durationSec))
	for i := range out {
		out[i] = 0.5 * (rng.Float64()*2 - 1)
	}
	return out
}

// makeBursts emits ratePerS noise bursts per second of burstSec length
// each, separated by silence.
func makeBursts(sr int, ratePerS float64, burstSec float64, durationSec float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	n := int(float64(sr) * durationSec)
	cycle := int(float64(sr) / ratePerS)
	burst := int(float64(sr) * burstSec)
	out := make([]float64, n)
	for i := range out {
		if i%cycle < burst {
			out[i] = 0.5 * (rng.Float64()*2 - 1)
		}
	}
	return out
}
