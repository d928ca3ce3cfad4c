// Package source loads and streams the recorded audio a granular engine
// feeds on. Long 16-bit PCM files are memory mapped and converted to
// float on the fly; everything else decodes eagerly through cwbudde/wav.
package source

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync/atomic"

	"github.com/cwbudde/algo-dsp/dsp/interp"
	dspresample "github.com/cwbudde/algo-dsp/dsp/resample"
	"github.com/cwbudde/wav"
)

// ErrDecode reports an unreadable or unsupported audio file.
var ErrDecode = errors.New("source: cannot decode audio")

const wavFormatPCM = 1

// Material is an immutable random-access view of decoded source audio.
// Reads outside [0, Frames) yield silence. Materials are reference
// counted: every reader that outlives its caller must Retain the
// material and Release it when done, so a memory-mapped file stays
// mapped while grains are still reading from it.
type Material struct {
	pcm      []float32 // eager interleaved samples
	raw      []byte    // lazy 16-bit little-endian PCM
	mapped   []byte    // whole-file mapping backing raw
	frames   int64
	channels int
	rate     float64
	bitDepth int
	format   string
	refs     atomic.Int64
}

// Open reads a WAV file into a Material. 16-bit PCM files are memory
// mapped where the platform allows; other formats and failed mappings
// fall back to a full decode.
func Open(path string) (*Material, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if m, ok := openMapped(f); ok {
		return m, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	m, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Decode reads a complete WAV stream into memory.
func Decode(r io.ReadSeeker) (*Material, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a wav stream", ErrDecode)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels < 1 {
		return nil, fmt.Errorf("%w: empty pcm buffer", ErrDecode)
	}
	ch := buf.Format.NumChannels
	rate := buf.Format.SampleRate
	if rate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrDecode, rate)
	}
	bits := buf.SourceBitDepth
	if bits == 0 {
		bits = 16
	}
	frames := len(buf.Data) / ch
	scale := 1.0
	if bits > 1 && bits < 63 {
		scale = 1.0 / float64(uint64(1)<<(bits-1))
	}
	pcm := make([]float32, frames*ch)
	for i := range pcm {
		pcm[i] = float32(float64(buf.Data[i]) * scale)
	}
	m := &Material{
		pcm:      pcm,
		frames:   int64(frames),
		channels: ch,
		rate:     float64(rate),
		bitDepth: bits,
		format:   fmt.Sprintf("pcm%d", bits),
	}
	m.refs.Store(1)
	return m, nil
}

// NewMaterial wraps interleaved normalized PCM already decoded by a host.
func NewMaterial(data []float32, channels int, sampleRate float64) (*Material, error) {
	if channels < 1 {
		return nil, fmt.Errorf("source: channels must be positive: %d", channels)
	}
	if sampleRate <= 0 || math.IsNaN(sampleRate) {
		return nil, fmt.Errorf("source: sample rate must be positive: %g", sampleRate)
	}
	if len(data)%channels != 0 {
		return nil, fmt.Errorf("source: %d samples do not divide into %d channels", len(data), channels)
	}
	m := &Material{
		pcm:      data,
		frames:   int64(len(data) / channels),
		channels: channels,
		rate:     sampleRate,
		bitDepth: 32,
		format:   "float32",
	}
	m.refs.Store(1)
	return m, nil
}

// openMapped attempts the zero-copy path: map the file and serve 16-bit
// PCM straight from the page cache. Any shortfall falls back to Decode.
func openMapped(f *os.File) (*Material, bool) {
	st, err := f.Stat()
	if err != nil || st.Size() < 44 || st.Size() > math.MaxInt {
		return nil, false
	}
	b, err := mapFile(f, int(st.Size()))
	if err != nil {
		return nil, false
	}
	hdr, err := parseWAVHeader(b)
	if err != nil || hdr.audioFormat != wavFormatPCM || hdr.bits != 16 {
		unmapFile(b)
		return nil, false
	}
	frameBytes := int64(2 * hdr.channels)
	raw := b[hdr.dataOff : hdr.dataOff+hdr.dataLen]
	frames := int64(len(raw)) / frameBytes
	m := &Material{
		raw:      raw[:frames*frameBytes],
		mapped:   b,
		frames:   frames,
		channels: hdr.channels,
		rate:     float64(hdr.rate),
		bitDepth: 16,
		format:   "pcm16",
	}
	m.refs.Store(1)
	return m, true
}

type wavHeader struct {
	audioFormat int
	channels    int
	rate        int
	bits        int
	dataOff     int
	dataLen     int
}

// parseWAVHeader walks the RIFF chunk list for "fmt " and "data".
// Chunk bodies are word aligned.
func parseWAVHeader(b []byte) (wavHeader, error) {
	var h wavHeader
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return h, fmt.Errorf("%w: missing RIFF/WAVE header", ErrDecode)
	}
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(b) {
			return h, fmt.Errorf("%w: chunk %q overruns file", ErrDecode, id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return h, fmt.Errorf("%w: short fmt chunk", ErrDecode)
			}
			h.audioFormat = int(binary.LittleEndian.Uint16(b[body:]))
			h.channels = int(binary.LittleEndian.Uint16(b[body+2:]))
			h.rate = int(binary.LittleEndian.Uint32(b[body+4:]))
			h.bits = int(binary.LittleEndian.Uint16(b[body+14:]))
		case "data":
			h.dataOff, h.dataLen = body, size
		}
		off = body + size + (size & 1)
	}
	if h.channels < 1 || h.rate <= 0 || h.dataLen == 0 {
		return h, fmt.Errorf("%w: incomplete wav header", ErrDecode)
	}
	return h, nil
}

// Frames returns the material length in frames.
func (m *Material) Frames() int64 { return m.frames }

// Channels returns the channel count.
func (m *Material) Channels() int { return m.channels }

// SampleRate returns the native sample rate in Hz.
func (m *Material) SampleRate() float64 { return m.rate }

// BitDepth returns the source bit depth.
func (m *Material) BitDepth() int { return m.bitDepth }

// Format describes the sample encoding, e.g. "pcm16" or "float32".
func (m *Material) Format() string { return m.format }

// Mapped reports whether the material reads from a memory-mapped file.
func (m *Material) Mapped() bool { return m.mapped != nil }

// Retain adds a reference for a reader that outlives the caller.
func (m *Material) Retain() { m.refs.Add(1) }

// Release drops a reference. The file mapping backing a mapped material
// is unmapped when the last reference goes away.
func (m *Material) Release() {
	if m.refs.Add(-1) > 0 {
		return
	}
	if m.mapped != nil {
		unmapFile(m.mapped)
		m.mapped, m.raw = nil, nil
	}
}

// Close releases the creator's reference.
func (m *Material) Close() error {
	m.Release()
	return nil
}

// Sample returns one sample, or 0 outside the material.
func (m *Material) Sample(ch int, frame int64) float32 {
	if frame < 0 || frame >= m.frames || ch < 0 || ch >= m.channels {
		return 0
	}
	if m.raw != nil {
		i := (frame*int64(m.channels) + int64(ch)) * 2
		return float32(int16(binary.LittleEndian.Uint16(m.raw[i:]))) / 32768
	}
	return m.pcm[frame*int64(m.channels)+int64(ch)]
}

// SampleLinear reads at a fractional frame position with linear
// interpolation.
func (m *Material) SampleLinear(ch int, pos float64) float32 {
	i := int64(math.Floor(pos))
	t := float32(pos - float64(i))
	a := m.Sample(ch, i)
	return a + t*(m.Sample(ch, i+1)-a)
}

// SampleHermite reads at a fractional frame position with 4-point
// Hermite interpolation.
func (m *Material) SampleHermite(ch int, pos float64) float32 {
	i := int64(math.Floor(pos))
	t := pos - float64(i)
	return float32(interp.Hermite4(t,
		float64(m.Sample(ch, i-1)),
		float64(m.Sample(ch, i)),
		float64(m.Sample(ch, i+1)),
		float64(m.Sample(ch, i+2)),
	))
}

// ReadAt copies up to frames interleaved frames starting at frame into
// dst and returns how many fell inside the material; the tail past EOF
// is zero filled. dst must hold frames*Channels() samples.
func (m *Material) ReadAt(frame int64, dst []float32, frames int) int {
	if frames*m.channels > len(dst) {
		frames = len(dst) / m.channels
	}
	read := 0
	for i := 0; i < frames; i++ {
		sf := frame + int64(i)
		if sf < 0 || sf >= m.frames {
			for c := 0; c < m.channels; c++ {
				dst[i*m.channels+c] = 0
			}
			continue
		}
		for c := 0; c < m.channels; c++ {
			dst[i*m.channels+c] = m.Sample(c, sf)
		}
		read++
	}
	return read
}

// ConvertRate resamples the material to a new rate and returns the
// converted copy. A matching rate returns the receiver with an extra
// reference.
func (m *Material) ConvertRate(rate float64, quality dspresample.Quality) (*Material, error) {
	if rate <= 0 || math.IsNaN(rate) {
		return nil, fmt.Errorf("source: target rate must be positive: %g", rate)
	}
	if rate == m.rate {
		m.Retain()
		return m, nil
	}
	r, err := dspresample.NewForRates(m.rate, rate, dspresample.WithQuality(quality))
	if err != nil {
		return nil, err
	}

	in := make([]float64, m.frames)
	outs := make([][]float64, m.channels)
	outFrames := 0
	for c := 0; c < m.channels; c++ {
		for i := int64(0); i < m.frames; i++ {
			in[i] = float64(m.Sample(c, i))
		}
		outs[c] = r.Process(in)
		if c == 0 || len(outs[c]) < outFrames {
			outFrames = len(outs[c])
		}
		r.Reset()
	}

	data := make([]float32, outFrames*m.channels)
	for c := 0; c < m.channels; c++ {
		for i := 0; i < outFrames; i++ {
			data[i*m.channels+c] = float32(outs[c][i])
		}
	}
	conv := &Material{
		pcm:      data,
		frames:   int64(outFrames),
		channels: m.channels,
		rate:     rate,
		bitDepth: m.bitDepth,
		format:   "float32",
	}
	conv.refs.Store(1)
	return conv, nil
}
