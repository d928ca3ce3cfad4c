package params

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager()
	size := mustFloat(t, 2000, "Grain Size", 1, 100, 50, WithUnit("ms"))
	density := mustFloat(t, 2002, "Grain Density", 0.1, 100, 10, WithUnit("Hz"), WithLogScale())
	bypass, err := NewBool(1000, "Bypass", false)
	if err != nil {
		t.Fatalf("NewBool error: %v", err)
	}
	for _, p := range []*Param{bypass, size, density} {
		if err := m.Register(p); err != nil {
			t.Fatalf("Register(%s) error: %v", p.Name(), err)
		}
	}
	return m
}

func TestManagerRejectsDuplicateIDs(t *testing.T) {
	m := newTestManager(t)
	dup := mustFloat(t, 2000, "Other", 0, 1, 0.5)
	if err := m.Register(dup); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestManagerSetUnknownParam(t *testing.T) {
	m := newTestManager(t)
	err := m.SetNormalized(9999, 0.5)
	if !errors.Is(err, ErrUnknownParam) {
		t.Fatalf("expected ErrUnknownParam, got %v", err)
	}
}

func TestManagerStateRoundTrip(t *testing.T) {
	m := newTestManager(t)
	if err := m.SetNormalized(1000, 1); err != nil {
		t.Fatalf("SetNormalized error: %v", err)
	}
	if err := m.SetNormalized(2000, 0.3); err != nil {
		t.Fatalf("SetNormalized error: %v", err)
	}
	if err := m.SetNormalized(2002, 0.77); err != nil {
		t.Fatalf("SetNormalized error: %v", err)
	}

	var buf bytes.Buffer
	if err := m.SaveState(&buf); err != nil {
		t.Fatalf("SaveState error: %v", err)
	}

	restored := newTestManager(t)
	if err := restored.LoadState(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("LoadState error: %v", err)
	}
	for _, id := range []uint32{1000, 2000, 2002} {
		want, _ := m.Get(id)
		got, _ := restored.Get(id)
		if math.Abs(got.Normalized()-want.Normalized()) > 1e-6 {
			t.Fatalf("param %d: got %g, want %g", id, got.Normalized(), want.Normalized())
		}
		if got.SmoothedNormalized() != got.Normalized() {
			t.Fatalf("param %d: smoothing should snap on load", id)
		}
	}
}

func TestManagerLoadSkipsUnknownIDs(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(2))
	binary.Write(&buf, binary.LittleEndian, uint32(4242)) // not registered
	binary.Write(&buf, binary.LittleEndian, float32(0.9))
	binary.Write(&buf, binary.LittleEndian, uint32(2000))
	binary.Write(&buf, binary.LittleEndian, float32(0.25))

	m := newTestManager(t)
	if err := m.LoadState(&buf); err != nil {
		t.Fatalf("LoadState error: %v", err)
	}
	p, _ := m.Get(2000)
	if math.Abs(p.Normalized()-0.25) > 1e-6 {
		t.Fatalf("known id not applied: %g", p.Normalized())
	}
}

func TestManagerLoadTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(3))
	binary.Write(&buf, binary.LittleEndian, uint32(2000))
	binary.Write(&buf, binary.LittleEndian, float32(0.25))
	// Two declared entries missing.

	m := newTestManager(t)
	err := m.LoadState(&buf)
	if !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}
}

func TestManagerLoadImplausibleCount(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(1)<<40)

	m := newTestManager(t)
	if err := m.LoadState(&buf); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}
}

func TestManagerResetToDefaults(t *testing.T) {
	m := newTestManager(t)
	m.SetNormalized(2000, 0.9)
	m.SetNormalized(1000, 1)
	m.ResetToDefaults()
	for _, p := range m.All() {
		if p.Normalized() != p.DefaultNormalized() {
			t.Fatalf("%s not at default: %g", p.Name(), p.Normalized())
		}
		if p.SmoothedNormalized() != p.Normalized() {
			t.Fatalf("%s smoothing not snapped", p.Name())
		}
	}
}

func TestManagerProcessChangesCountsMoving(t *testing.T) {
	m := newTestManager(t)
	m.ResetSmoothing()
	if moving := m.ProcessChanges(48000, 128); moving != 0 {
		t.Fatalf("expected no moving params, got %d", moving)
	}
	m.SetNormalized(2000, 1)
	m.SetNormalized(2002, 0)
	if moving := m.ProcessChanges(48000, 128); moving != 2 {
		t.Fatalf("expected 2 moving params, got %d", moving)
	}
}
