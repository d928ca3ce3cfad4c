package pool

import (
	"testing"
	"time"
)

func TestPoolRoundsUpToSizeClass(t *testing.T) {
	p, err := New(Config{MinBufferSize: 1024, MaxBufferSize: 8192, BuffersPerClass: 4})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	cases := []struct {
		request int
		want    int
	}{
		{1, 1024},
		{1024, 1024},
		{1025, 2048},
		{3000, 4096},
		{8192, 8192},
	}
	for _, tc := range cases {
		b := p.Acquire(tc.request)
		if b == nil {
			t.Fatalf("Acquire(%d) returned nil", tc.request)
		}
		if b.Size() != tc.want {
			t.Errorf("Acquire(%d): got class %d, want %d", tc.request, b.Size(), tc.want)
		}
		b.Release()
	}
}

func TestPoolExhaustionReturnsNil(t *testing.T) {
	p, err := New(Config{MinBufferSize: 1024, MaxBufferSize: 1024, BuffersPerClass: 2})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	a := p.Acquire(512)
	b := p.Acquire(512)
	if a == nil || b == nil {
		t.Fatal("expected two successful acquires")
	}
	if c := p.Acquire(512); c != nil {
		t.Fatal("expected nil on exhausted class")
	}

	st := p.Stats()
	if st.Classes[0].Misses != 1 {
		t.Fatalf("expected one miss, got %d", st.Classes[0].Misses)
	}

	a.Release()
	if c := p.Acquire(512); c == nil {
		t.Fatal("expected acquire to succeed after release")
	}
	_ = b
}

func TestPoolRejectsOversizeRequests(t *testing.T) {
	p, err := New(Config{MinBufferSize: 1024, MaxBufferSize: 4096, BuffersPerClass: 1})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if b := p.Acquire(4097); b != nil {
		t.Fatal("expected nil for request above the largest class")
	}
	if b := p.Acquire(0); b != nil {
		t.Fatal("expected nil for non-positive request")
	}
}

func TestPoolRejectsInvalidConfig(t *testing.T) {
	bad := []Config{
		{MinBufferSize: 0, MaxBufferSize: 1024, BuffersPerClass: 1},
		{MinBufferSize: 1000, MaxBufferSize: 4096, BuffersPerClass: 1},
		{MinBufferSize: 1024, MaxBufferSize: 512, BuffersPerClass: 1},
		{MinBufferSize: 1024, MaxBufferSize: 4096, BuffersPerClass: 0},
	}
	for i, cfg := range bad {
		if _, err := New(cfg); err == nil {
			t.Fatalf("case %d: expected config error", i)
		}
	}
}

func TestPoolConcurrentAcquireRelease(t *testing.T) {
	p, err := New(Config{MinBufferSize: 1024, MaxBufferSize: 2048, BuffersPerClass: 8})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	done := make(chan struct{})
	for w := 0; w < 4; w++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 1000; i++ {
				if b := p.Acquire(1500); b != nil {
					b.Data()[0] = float32(i)
					b.Release()
				}
			}
		}()
	}
	for w := 0; w < 4; w++ {
		<-done
	}
	st := p.Stats()
	if st.Classes[1].Free != 8 {
		t.Fatalf("expected all buffers returned, free=%d", st.Classes[1].Free)
	}
}

func TestMonitorProducesSamples(t *testing.T) {
	m := NewMonitor(5 * time.Millisecond)
	defer m.Close()

	deadline := time.Now().Add(2 * time.Second)
	first := m.Usage().SampledAt
	for time.Now().Before(deadline) {
		u := m.Usage()
		if u.SampledAt.After(first) && u.HeapAlloc > 0 {
			if u.CPU < 0 {
				t.Fatalf("negative CPU fraction: %g", u.CPU)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("monitor produced no fresh sample within deadline")
}

func TestMonitorCloseIsIdempotent(t *testing.T) {
	m := NewMonitor(time.Millisecond)
	m.Close()
	m.Close()
}
