// Package health aggregates named sub-checks into the UP / WARNING / DOWN
// classification served to operators and load balancers. The classification
// is advisory: nothing in the pipeline throttles itself on it.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/docflow/internal/runtime/jsoncodec"
)

// Status is the aggregate classification.
type Status string

const (
	StatusUp      Status = "UP"
	StatusWarning Status = "WARNING"
	StatusDown    Status = "DOWN"
)

// Severity decides how an unhealthy check affects the aggregate.
type Severity int

const (
	// Critical checks turn the aggregate DOWN when unhealthy.
	Critical Severity = iota
	// Advisory checks only ever degrade the aggregate to WARNING.
	Advisory
)

func (s Severity) String() string {
	if s == Advisory {
		return "advisory"
	}
	return "critical"
}

// Result is the uniform outcome of a sub-check. Advisory marks an unhealthy
// result of a critical check that should only degrade to WARNING.
type Result struct {
	Healthy  bool   `json:"healthy"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	Advisory bool   `json:"advisory,omitempty"`
}

// Check evaluates one concern.
type Check func(ctx context.Context) Result

// CheckReport is a Result annotated with its registration.
type CheckReport struct {
	Result
	Severity string `json:"severity"`
	TookMS   int64  `json:"took_ms"`
}

// Report is the aggregate health snapshot.
type Report struct {
	Status    Status                 `json:"status"`
	Checks    map[string]CheckReport `json:"checks"`
	CheckedAt time.Time              `json:"checked_at"`
}

type registration struct {
	name     string
	severity Severity
	check    Check
}

// Reporter runs registered checks concurrently and aggregates them.
type Reporter struct {
	mu      sync.RWMutex
	checks  []registration
	timeout time.Duration
}

// DefaultCheckTimeout bounds a single Report call.
const DefaultCheckTimeout = 5 * time.Second

// NewReporter returns a Reporter. A non-positive timeout uses DefaultCheckTimeout.
func NewReporter(timeout time.Duration) *Reporter {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &Reporter{timeout: timeout}
}

// Register adds or replaces the check called name.
func (r *Reporter) Register(name string, severity Severity, check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.checks {
		if existing.name == name {
			r.checks[i] = registration{name: name, severity: severity, check: check}
			return
		}
	}
	r.checks = append(r.checks, registration{name: name, severity: severity, check: check})
}

// Names returns the registered check names in sorted order.
func (r *Reporter) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.checks))
	for _, c := range r.checks {
		names = append(names, c.name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Report runs every check and classifies the outcome.
func (r *Reporter) Report(ctx context.Context) Report {
	r.mu.RLock()
	checks := append([]registration(nil), r.checks...)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reports := make([]CheckReport, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			start := time.Now()
			res := runCheck(ctx, c.check)
			reports[i] = CheckReport{Result: res, Severity: c.severity.String(), TookMS: time.Since(start).Milliseconds()}
			return nil
		})
	}
	_ = g.Wait()

	out := Report{Status: StatusUp, Checks: make(map[string]CheckReport, len(checks)), CheckedAt: time.Now().UTC()}
	for i, c := range checks {
		rep := reports[i]
		out.Checks[c.name] = rep
		if rep.Healthy {
			continue
		}
		if c.severity == Critical && !rep.Advisory {
			out.Status = StatusDown
		} else if out.Status == StatusUp {
			out.Status = StatusWarning
		}
	}
	return out
}

func runCheck(ctx context.Context, check Check) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{Healthy: false, Status: "PANIC", Message: fmt.Sprintf("check panicked: %v", p)}
		}
	}()
	return check(ctx)
}

// Handler serves the aggregate report. DOWN answers 503, everything else 200.
func (r *Reporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		report := r.Report(req.Context())
		status := http.StatusOK
		if report.Status == StatusDown {
			status = http.StatusServiceUnavailable
		}
		_ = jsoncodec.WriteJSON(w, status, report)
	})
}
