// Package analysis measures how close a rendered texture is to a
// reference recording. All metrics are level- and phase-agnostic:
// granular output is stochastic, so signals are compared by envelope,
// long-term spectrum and onset density rather than sample positions.
package analysis

import (
	"math"

	"github.com/cwbudde/algo-dsp/dsp/window"
	algofft "github.com/cwbudde/algo-fft"
)

const (
	envFrame = 256
	envHop   = 128

	// An onset is a rise of at least onsetRiseDB above the running
	// envelope minimum; the detector re-arms once the envelope falls
	// onsetRearmDB below the peak reached since the last onset.
	onsetRiseDB  = 6.0
	onsetRearmDB = 3.0
)

// Metrics contains distance and similarity measurements between two
// audio signals.
type Metrics struct {
	SampleRate int `json:"sample_rate"`

	ReferenceFrames int `json:"reference_frames"`
	CandidateFrames int `json:"candidate_frames"`
	ComparedFrames  int `json:"compared_frames"`

	EnvelopeRMSEDB float64 `json:"envelope_rmse_db"`
	SpectralRMSEDB float64 `json:"spectral_rmse_db"`
	RefOnsetRate   float64 `json:"ref_onset_rate"`
	CandOnsetRate  float64 `json:"cand_onset_rate"`
	OnsetRateDiff  float64 `json:"onset_rate_diff"`

	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
}

// Compare returns objective distance metrics and a combined score in
// [0,1], where 0 is a perfect match. Both signals are trimmed of
// leading silence and normalized to a common RMS before measuring.
func Compare(reference []float64, candidate []float64, sampleRate int) Metrics {
	m := Metrics{
		SampleRate:      sampleRate,
		ReferenceFrames: len(reference),
		CandidateFrames: len(candidate),
	}
	if sampleRate <= 0 || len(reference) == 0 || len(candidate) == 0 {
		m.Score = 1.0
		m.Similarity = 0.0
		return m
	}

	ref := trimLeadingSilence(reference, 1e-6)
	cand := trimLeadingSilence(candidate, 1e-6)
	if len(ref) == 0 || len(cand) == 0 {
		m.Score = 1.0
		m.Similarity = 0.0
		return m
	}

	ref = normalizeRMS(ref, 0.1)
	cand = normalizeRMS(cand, 0.1)

	n := len(ref)
	if len(cand) < n {
		n = len(cand)
	}
	if n < 256 {
		m.Score = 1.0
		m.Similarity = 0.0
		return m
	}
	maxFrames := sampleRate * 12
	if maxFrames > 0 && n > maxFrames {
		n = maxFrames
	}
	ref = ref[:n]
	cand = cand[:n]
	m.ComparedFrames = n

	refDB := envelopeDB(ref)
	candDB := envelopeDB(cand)
	if len(refDB) > 0 {
		var sum float64
		for i := range refDB {
			d := refDB[i] - candDB[i]
			sum += d * d
		}
		m.EnvelopeRMSEDB = math.Sqrt(sum / float64(len(refDB)))
	}

	m.SpectralRMSEDB = spectralRMSEDB(ref, cand)

	hopSec := float64(envHop) / float64(sampleRate)
	m.RefOnsetRate = onsetRate(refDB, hopSec)
	m.CandOnsetRate = onsetRate(candDB, hopSec)
	m.OnsetRateDiff = math.Abs(m.RefOnsetRate - m.CandOnsetRate)

	// Normalize sub-metrics and combine.
	envNorm := clamp01(m.EnvelopeRMSEDB / 30.0)
	specNorm := clamp01(m.SpectralRMSEDB / 30.0)
	onsetNorm := clamp01(m.OnsetRateDiff / 25.0)
	m.Score = clamp01(0.35*envNorm + 0.40*specNorm + 0.25*onsetNorm)
	m.Similarity = clamp01(math.Exp(-4.0 * m.Score))

	return m
}

func trimLeadingSilence(x []float64, threshold float64) []float64 {
	for i := 0; i < len(x); i++ {
		if math.Abs(x[i]) > threshold {
			return x[i:]
		}
	}
	return nil
}

func normalizeRMS(x []float64, target float64) []float64 {
	if len(x) == 0 {
		return x
	}
	r := rms1(x)
	if r <= 1e-12 {
		return append([]float64(nil), x...)
	}
	g := target / r
	out := make([]float64, len(x))
	for i := range x {
		out[i] = x[i] * g
	}
	return out
}

func rms1(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

// envelopeDB returns the short-time RMS envelope in dBFS.
func envelopeDB(x []float64) []float64 {
	if len(x) < envFrame {
		return nil
	}
	n := 1 + (len(x)-envFrame)/envHop
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		start := i * envHop
		out[i] = linToDB(rms1(x[start : start+envFrame]))
	}
	return out
}

// spectralRMSEDB compares the long-term average magnitude spectra of
// the two signals, bin by bin in dB. DC and Nyquist are skipped.
func spectralRMSEDB(a []float64, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	frame := 2048
	for frame > n {
		frame >>= 1
	}
	if frame < 256 {
		return 0
	}
	specA := averageSpectrum(a[:n], frame)
	specB := averageSpectrum(b[:n], frame)
	if specA == nil || specB == nil {
		return 0
	}
	half := frame / 2
	var sum float64
	for k := 1; k < half; k++ {
		d := linToDB(specA[k]) - linToDB(specB[k])
		sum += d * d
	}
	return math.Sqrt(sum / float64(half-1))
}

// averageSpectrum accumulates Hann-windowed magnitude spectra over
// half-overlapping frames and returns the per-bin mean.
func averageSpectrum(x []float64, frame int) []float64 {
	plan, err := algofft.NewPlan64(frame)
	if err != nil {
		return nil
	}
	win := window.Generate(window.TypeHann, frame, window.WithPeriodic())
	buf := make([]complex128, frame)
	bins := frame/2 + 1
	acc := make([]float64, bins)
	hop := frame / 2
	frames := 0
	for pos := 0; pos+frame <= len(x); pos += hop {
		for i := 0; i < frame; i++ {
			buf[i] = complex(x[pos+i]*win[i], 0)
		}
		if err := plan.Forward(buf, buf); err != nil {
			return nil
		}
		for k := 0; k < bins; k++ {
			acc[k] += math.Hypot(real(buf[k]), imag(buf[k]))
		}
		frames++
	}
	if frames == 0 {
		return nil
	}
	inv := 1.0 / float64(frames)
	for k := range acc {
		acc[k] *= inv
	}
	return acc
}

// onsetRate counts envelope attacks per second using a hysteresis
// detector on the dB envelope.
func onsetRate(envDB []float64, hopSec float64) float64 {
	if len(envDB) < 4 || hopSec <= 0 {
		return 0
	}
	count := 0
	armed := true
	floor := envDB[0]
	peak := envDB[0]
	for _, v := range envDB[1:] {
		if armed {
			if v < floor {
				floor = v
			}
			if v >= floor+onsetRiseDB {
				count++
				armed = false
				peak = v
			}
			continue
		}
		if v > peak {
			peak = v
		}
		if v <= peak-onsetRearmDB {
			armed = true
			floor = v
		}
	}
	return float64(count) / (float64(len(envDB)) * hopSec)
}

func linToDB(x float64) float64 {
	if x < 1e-12 {
		x = 1e-12
	}
	return 20.0 * math.Log10(x)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
