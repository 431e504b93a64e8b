//go:build unix

package services

import (
	"os"
	"runtime"
	"syscall"
)

// peakMemoryMB is the child's max resident set size.
func peakMemoryMB(state *os.ProcessState) float64 {
	if state == nil {
		return 0
	}
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok {
		return 0
	}
	maxRSS := float64(ru.Maxrss)
	// Darwin reports bytes, everything else kilobytes.
	if runtime.GOOS == "darwin" {
		return maxRSS / (1024 * 1024)
	}
	return maxRSS / 1024
}
