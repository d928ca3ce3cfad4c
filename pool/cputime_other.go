//go:build !unix && !windows

package pool

// processCPUTime is unavailable on this platform; the monitor reports
// zero CPU and still tracks memory.
func processCPUTime() float64 { return 0 }
