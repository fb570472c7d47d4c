package sizing

import (
	"runtime"
	"sync"
	"time"
)

// LoadSource reports CPU utilisation in [0, 1]. ok is false when no reading is available.
type LoadSource interface {
	CPUUtilization() (load float64, ok bool)
}

// LoadFunc adapts a function to LoadSource.
type LoadFunc func() (float64, bool)

// CPUUtilization implements LoadSource.
func (f LoadFunc) CPUUtilization() (float64, bool) { return f() }

// RuntimeLoad reports the process CPU time spent since the previous sample
// as a share of the wall-clock time available on all CPUs. The first call
// only records a baseline and reports no reading.
type RuntimeLoad struct {
	cpuTime func() (time.Duration, error)
	now     func() time.Time
	numCPU  float64

	mu       sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
	lastLoad float64
	primed   bool
}

// NewRuntimeLoad returns an unprimed RuntimeLoad reading the process CPU time.
func NewRuntimeLoad() *RuntimeLoad {
	return &RuntimeLoad{
		cpuTime: processCPUTime,
		now:     time.Now,
		numCPU:  float64(runtime.NumCPU()),
	}
}

// CPUUtilization implements LoadSource.
func (r *RuntimeLoad) CPUUtilization() (float64, bool) {
	if r == nil {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cpu, err := r.cpuTime()
	if err != nil {
		return 0, false
	}
	wall := r.now()
	if !r.primed {
		r.lastCPU, r.lastWall, r.primed = cpu, wall, true
		return 0, false
	}

	elapsed := wall.Sub(r.lastWall)
	if elapsed <= 0 {
		return r.lastLoad, true
	}
	load := clampUnit((cpu - r.lastCPU).Seconds() / elapsed.Seconds() / r.numCPU)
	r.lastCPU, r.lastWall, r.lastLoad = cpu, wall, load
	return load, true
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
