package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/drblury/docflow/internal/runtime/breaker"
)

// Pinger reports broker reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerCheck reports DOWN when the broker cannot be reached. A nil probe is
// treated as reachable.
func BrokerCheck(probe Pinger) Check {
	return func(ctx context.Context) Result {
		if probe == nil {
			return Result{Healthy: true, Status: "UNKNOWN", Message: "broker probe not supported by transport"}
		}
		if err := probe.Ping(ctx); err != nil {
			return Result{Healthy: false, Status: "UNREACHABLE", Message: err.Error()}
		}
		return Result{Healthy: true, Status: "REACHABLE", Message: "broker connection established"}
	}
}

// BreakerCheck maps breaker state: CLOSED is healthy, OPEN is DOWN and
// HALF_OPEN degrades to WARNING.
func BreakerCheck(cb breaker.CircuitBreaker) Check {
	return func(context.Context) Result {
		if cb == nil {
			return Result{Healthy: true, Status: string(breaker.StateClosed), Message: "no circuit breaker configured"}
		}
		state := cb.State()
		res := Result{Status: string(state), Message: cb.MetricsSummary()}
		switch state {
		case breaker.StateClosed:
			res.Healthy = true
		case breaker.StateHalfOpen:
			res.Advisory = true
		}
		return res
	}
}

// PoolUsage is the occupancy of one worker pool.
type PoolUsage struct {
	Name   string
	Active int
	Max    int
}

func (p PoolUsage) saturated() bool { return p.Max > 0 && p.Active >= p.Max }

// PoolCheck reports saturation as soon as any pool has every slot busy.
func PoolCheck(occupancy func() []PoolUsage) Check {
	return func(context.Context) Result {
		pools := occupancy()
		parts := make([]string, 0, len(pools))
		var full []string
		for _, p := range pools {
			parts = append(parts, fmt.Sprintf("%s %d/%d", p.Name, p.Active, p.Max))
			if p.saturated() {
				full = append(full, p.Name)
			}
		}
		msg := "workers active: " + strings.Join(parts, ", ")
		if len(pools) == 0 {
			msg = "no worker pools registered"
		}
		if len(full) > 0 {
			return Result{Healthy: false, Status: "SATURATED", Message: msg + "; saturated: " + strings.Join(full, ", ")}
		}
		return Result{Healthy: true, Status: "AVAILABLE", Message: msg}
	}
}

// ErrorCheck reports recent failures.
func ErrorCheck(recent func() int64) Check {
	return func(context.Context) Result {
		n := recent()
		if n > 0 {
			return Result{Healthy: false, Status: "ERRORS", Message: fmt.Sprintf("%d errors in the recent window", n)}
		}
		return Result{Healthy: true, Status: "OK", Message: "no recent errors"}
	}
}
