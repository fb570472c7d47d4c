// Package breaker exposes circuit breaker state to the health reporter and
// guards the batch processor with sony/gobreaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// State is the breaker state as reported to operators.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned by Guard.Execute while the breaker rejects calls.
var ErrOpen = errors.New("docflow: circuit breaker is open")

// CircuitBreaker is the read-only view the health reporter depends on.
type CircuitBreaker interface {
	State() State
	MetricsSummary() string
}

// Funcs adapts an externally owned breaker.
type Funcs struct {
	StateFunc   func() State
	SummaryFunc func() string
}

// State implements CircuitBreaker.
func (f Funcs) State() State {
	if f.StateFunc == nil {
		return StateClosed
	}
	return f.StateFunc()
}

// MetricsSummary implements CircuitBreaker.
func (f Funcs) MetricsSummary() string {
	if f.SummaryFunc == nil {
		return ""
	}
	return f.SummaryFunc()
}

// Settings configures a Guard.
type Settings struct {
	Name string
	// FailureThreshold is the number of consecutive failures that trips the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probe calls allowed while half-open.
	HalfOpenRequests uint32
	OnStateChange    func(name string, from, to State)
}

// Guard wraps calls in a gobreaker.CircuitBreaker.
type Guard struct {
	cb *gobreaker.CircuitBreaker
}

// NewGuard builds a Guard. Cancellation errors never count as failures.
func NewGuard(s Settings) *Guard {
	threshold := s.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	st := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	if s.OnStateChange != nil {
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			s.OnStateChange(name, fromGobreaker(from), fromGobreaker(to))
		}
	}
	return &Guard{cb: gobreaker.NewCircuitBreaker(st)}
}

// Execute runs fn unless the breaker is open.
func (g *Guard) Execute(fn func() error) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrOpen, g.cb.Name())
	}
	return err
}

// Name returns the configured breaker name.
func (g *Guard) Name() string { return g.cb.Name() }

// State implements CircuitBreaker.
func (g *Guard) State() State { return fromGobreaker(g.cb.State()) }

// MetricsSummary implements CircuitBreaker.
func (g *Guard) MetricsSummary() string {
	c := g.cb.Counts()
	return fmt.Sprintf("name=%s state=%s requests=%d successes=%d failures=%d consecutive_failures=%d",
		g.cb.Name(), g.State(), c.Requests, c.TotalSuccesses, c.TotalFailures, c.ConsecutiveFailures)
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
