//go:build !unix

package sizing

import (
	"errors"
	"time"
)

func processCPUTime() (time.Duration, error) {
	return 0, errors.New("sizing: process CPU time is not available on this platform")
}
