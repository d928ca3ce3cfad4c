// Package wavio reads and writes the WAV files the command-line tools
// exchange. Reads average multi-channel input down to mono in [-1, 1];
// writes produce 16-bit PCM.
package wavio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	dspresample "github.com/cwbudde/algo-dsp/dsp/resample"
	"github.com/cwbudde/wav"
	"github.com/go-audio/audio"
)

// ReadMono loads a WAV file, averages its channels and scales samples
// to [-1, 1]. It returns the samples and the file's sample rate.
func ReadMono(path string) ([]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("invalid wav file: %s", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, err
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels < 1 {
		return nil, 0, fmt.Errorf("invalid wav buffer: %s", path)
	}
	bits := buf.SourceBitDepth
	if bits == 0 {
		bits = 16
	}
	scale := 1.0
	if bits > 1 && bits < 63 {
		scale = 1.0 / float64(uint64(1)<<(bits-1))
	}
	ch := buf.Format.NumChannels
	frames := len(buf.Data) / ch
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < ch; c++ {
			sum += float64(buf.Data[i*ch+c])
		}
		out[i] = sum * scale / float64(ch)
	}
	return out, buf.Format.SampleRate, nil
}

// Resample converts in from fromRate to toRate. Same-rate input is
// returned as is.
func Resample(in []float64, fromRate int, toRate int) ([]float64, error) {
	if fromRate == toRate {
		return in, nil
	}
	r, err := dspresample.NewForRates(
		float64(fromRate),
		float64(toRate),
		dspresample.WithQuality(dspresample.QualityBest),
	)
	if err != nil {
		return nil, err
	}
	return r.Process(in), nil
}

// WriteStereo writes planar left/right channels as a 16-bit stereo WAV,
// creating parent directories as needed.
func WriteStereo(path string, left []float32, right []float32, sampleRate int) error {
	if len(left) != len(right) {
		return fmt.Errorf("left/right length mismatch: %d vs %d", len(left), len(right))
	}
	data := make([]float32, len(left)*2)
	for i := range left {
		data[i*2] = left[i]
		data[i*2+1] = right[i]
	}
	return writeWAV(path, data, 2, sampleRate)
}

// WriteMono writes a 16-bit mono WAV, creating parent directories as
// needed.
func WriteMono(path string, data []float32, sampleRate int) error {
	return writeWAV(path, data, 1, sampleRate)
}

func writeWAV(path string, samples []float32, channels int, sampleRate int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	defer enc.Close()

	buf := &audio.Float32Buffer{
		Format: &audio.Format{
			SampleRate:  sampleRate,
			NumChannels: channels,
		},
		Data:           samples,
		SourceBitDepth: 16,
	}
	return enc.Write(buf)
}

// MonoMix64 averages planar stereo channels into float64 mono,
// truncating to the shorter channel.
func MonoMix64(left []float32, right []float32) []float64 {
	n := min(len(left), len(right))
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = 0.5 * (float64(left[i]) + float64(right[i]))
	}
	return out
}

// RMS returns the root-mean-square over all samples of the given
// channels.
func RMS(channels ...[]float32) float64 {
	var sum float64
	var n int
	for _, ch := range channels {
		for _, s := range ch {
			v := float64(s)
			sum += v * v
		}
		n += len(ch)
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}
