package pool

import (
	"runtime"
	"sync/atomic"
	"time"
)

// DefaultMonitorInterval is the sampling period of the resource monitor.
const DefaultMonitorInterval = 100 * time.Millisecond

// Usage is one sample of process resource consumption. CPU is the fraction
// of one core consumed since the previous sample; it is zero on platforms
// without process time accounting.
type Usage struct {
	CPU        float64
	HeapAlloc  uint64
	HeapSys    uint64
	NumGC      uint32
	Goroutines int
	SampledAt  time.Time
}

// Monitor periodically samples process CPU and memory into an atomic
// snapshot that the audio thread can read without blocking.
type Monitor struct {
	interval time.Duration
	latest   atomic.Pointer[Usage]
	done     chan struct{}
	stopped  chan struct{}
}

// NewMonitor starts a monitor sampling at the given interval; a
// non-positive interval selects the default.
func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	m := &Monitor{
		interval: interval,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	m.latest.Store(&Usage{SampledAt: time.Now()})
	go m.run()
	return m
}

// Usage returns the most recent sample.
func (m *Monitor) Usage() Usage {
	return *m.latest.Load()
}

// Close stops the sampling goroutine and waits for it to exit.
func (m *Monitor) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	<-m.stopped
}

func (m *Monitor) run() {
	defer close(m.stopped)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	prevCPU := processCPUTime()
	prevWall := time.Now()
	var mem runtime.MemStats

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := time.Now()
			cpu := processCPUTime()

			frac := 0.0
			if wall := now.Sub(prevWall).Seconds(); wall > 0 && cpu > prevCPU {
				frac = (cpu - prevCPU) / wall
			}
			prevCPU = cpu
			prevWall = now

			runtime.ReadMemStats(&mem)
			m.latest.Store(&Usage{
				CPU:        frac,
				HeapAlloc:  mem.HeapAlloc,
				HeapSys:    mem.HeapSys,
				NumGC:      mem.NumGC,
				Goroutines: runtime.NumGoroutine(),
				SampledAt:  now,
			})
		}
	}
}
