//go:build unix

package sizing

import (
	"syscall"
	"time"
)

// processCPUTime returns the user plus system CPU time consumed by the process.
func processCPUTime() (time.Duration, error) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, err
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano()), nil
}
