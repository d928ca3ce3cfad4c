//go:build windows

package pool

import "golang.org/x/sys/windows"

// processCPUTime returns user+system CPU seconds consumed by the process.
func processCPUTime() float64 {
	var creation, exit, kernel, user windows.Filetime
	h := windows.CurrentProcess()
	if err := windows.GetProcessTimes(h, &creation, &exit, &kernel, &user); err != nil {
		return 0
	}
	return float64(kernel.Nanoseconds()+user.Nanoseconds()) / 1e9
}
