package preset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/cwbudde/algo-granular/granular"
	"github.com/cwbudde/algo-granular/modmatrix"
	"github.com/cwbudde/algo-granular/params"
)

// ErrCorruptState reports a state blob that cannot be decoded. Parameter
// section faults from params.LoadState surface as the same sentinel.
var ErrCorruptState = params.ErrCorruptState

const (
	stateVersion = 1

	// routeCountLimit rejects blobs whose declared route count is
	// implausible before any allocation happens.
	routeCountLimit = 1 << 16
)

// SaveState writes the engine's full restorable state as a little-endian
// blob: u64 version, the parameter targets (u64 count, then u32 id and
// f32 normalized pairs), then the route table (u32 count, then per route
// length-prefixed source and destination ids, f32 depth, offset and
// smoothing, u8 mode).
func SaveState(w io.Writer, e *granular.Engine) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(stateVersion)); err != nil {
		return fmt.Errorf("preset: write version: %w", err)
	}
	if err := e.Params().SaveState(w); err != nil {
		return err
	}

	specs := e.Matrix().Specs()
	if err := binary.Write(w, binary.LittleEndian, uint32(len(specs))); err != nil {
		return fmt.Errorf("preset: write route count: %w", err)
	}
	for i, s := range specs {
		if err := writeString(w, s.Source); err != nil {
			return fmt.Errorf("preset: route %d source: %w", i, err)
		}
		if err := writeString(w, s.Destination); err != nil {
			return fmt.Errorf("preset: route %d destination: %w", i, err)
		}
		for _, v := range [...]float32{float32(s.Depth), float32(s.Offset), float32(s.SmoothingMs)} {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return fmt.Errorf("preset: route %d values: %w", i, err)
			}
		}
		if err := binary.Write(w, binary.LittleEndian, uint8(s.Mode)); err != nil {
			return fmt.Errorf("preset: route %d mode: %w", i, err)
		}
	}
	return nil
}

// LoadState restores a blob written by SaveState. Parameter ids the
// engine does not register are skipped; routes are applied atomically, so
// a blob naming unknown endpoints leaves the matrix untouched. Trailing
// bytes after the route table report ErrCorruptState.
func LoadState(r io.Reader, e *granular.Engine) error {
	var version uint64
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("%w: version: %v", ErrCorruptState, err)
	}
	if version != stateVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptState, version)
	}
	if err := e.Params().LoadState(r); err != nil {
		return err
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("%w: route count: %v", ErrCorruptState, err)
	}
	if count > routeCountLimit {
		return fmt.Errorf("%w: implausible route count %d", ErrCorruptState, count)
	}
	specs := make([]modmatrix.RouteSpec, 0, count)
	for i := uint32(0); i < count; i++ {
		src, err := readString(r)
		if err != nil {
			return fmt.Errorf("%w: route %d source: %v", ErrCorruptState, i, err)
		}
		dst, err := readString(r)
		if err != nil {
			return fmt.Errorf("%w: route %d destination: %v", ErrCorruptState, i, err)
		}
		var depth, offset, smoothing float32
		for _, p := range [...]*float32{&depth, &offset, &smoothing} {
			if err := binary.Read(r, binary.LittleEndian, p); err != nil {
				return fmt.Errorf("%w: route %d values: %v", ErrCorruptState, i, err)
			}
		}
		var mode uint8
		if err := binary.Read(r, binary.LittleEndian, &mode); err != nil {
			return fmt.Errorf("%w: route %d mode: %v", ErrCorruptState, i, err)
		}
		if modmatrix.Mode(mode) > modmatrix.ModeAbsBipolar {
			return fmt.Errorf("%w: route %d mode %d", ErrCorruptState, i, mode)
		}
		for _, v := range [...]float32{depth, offset, smoothing} {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return fmt.Errorf("%w: route %d non-finite value", ErrCorruptState, i)
			}
		}
		specs = append(specs, modmatrix.RouteSpec{
			Source:      src,
			Destination: dst,
			Depth:       float64(depth),
			Offset:      float64(offset),
			SmoothingMs: float64(smoothing),
			Mode:        modmatrix.Mode(mode),
		})
	}

	var tail [1]byte
	if _, err := io.ReadFull(r, tail[:]); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing bytes after route table", ErrCorruptState)
	}

	if err := e.Matrix().ApplySpecs(specs); err != nil {
		return err
	}
	e.Matrix().ResetSmoothing()
	return nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("id too long: %d bytes", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
