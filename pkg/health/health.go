package health

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// CheckFunc probes one component. A nil error is healthy; an error wrapping
// ErrDegraded is degraded; any other error is unhealthy.
type CheckFunc func() error

// ErrDegraded marks a check failure the component can still serve through
var ErrDegraded = errors.New("degraded")

type degradedError struct{ err error }

func (e *degradedError) Error() string   { return e.err.Error() }
func (e *degradedError) Unwrap() []error { return []error{ErrDegraded, e.err} }

// Degraded wraps err so that the check reports StatusDegraded
func Degraded(err error) error {
	if err == nil {
		return nil
	}
	return &degradedError{err: err}
}

// Status is the outcome of one or more checks
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Check is the latest result of a named probe
type Check struct {
	Name     string
	Status   Status
	Message  string
	Checked  time.Time
	Duration time.Duration
}

// Checker runs registered probes and aggregates their results
type Checker struct {
	clock clock.Clock

	mu          sync.RWMutex
	probes      map[string]CheckFunc
	results     map[string]Check
	lastHealthy time.Time
}

// NewChecker creates a checker reading time from clk; nil uses the wall clock
func NewChecker(clk clock.Clock) *Checker {
	if clk == nil {
		clk = clock.New()
	}
	return &Checker{
		clock:       clk,
		probes:      make(map[string]CheckFunc),
		results:     make(map[string]Check),
		lastHealthy: clk.Now(),
	}
}

// Register adds a probe run by Run. Registering a name again replaces it.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = fn
}

// Run executes every registered probe and returns the aggregate status
func (c *Checker) Run() Status {
	c.mu.RLock()
	probes := make(map[string]CheckFunc, len(c.probes))
	for name, fn := range c.probes {
		probes[name] = fn
	}
	c.mu.RUnlock()

	for name, fn := range probes {
		c.Record(name, fn)
	}
	return c.Overall()
}

// Record runs fn once and stores its result under name
func (c *Checker) Record(name string, fn CheckFunc) Check {
	start := c.clock.Now()
	err := fn()
	result := Check{
		Name:    name,
		Status:  StatusHealthy,
		Message: "OK",
		Checked: c.clock.Now(),
	}
	result.Duration = result.Checked.Sub(start)
	if err != nil {
		result.Status = StatusUnhealthy
		if errors.Is(err, ErrDegraded) {
			result.Status = StatusDegraded
		}
		result.Message = err.Error()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[name] = result
	if aggregate(c.results) == StatusHealthy {
		c.lastHealthy = result.Checked
	}
	return result
}

// Overall aggregates the latest results: healthy when nothing failed,
// unhealthy when everything did, degraded otherwise
func (c *Checker) Overall() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return aggregate(c.results)
}

func aggregate(results map[string]Check) Status {
	failed, unhealthy := 0, 0
	for _, r := range results {
		switch r.Status {
		case StatusUnhealthy:
			unhealthy++
			failed++
		case StatusDegraded:
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusHealthy
	case unhealthy == len(results):
		return StatusUnhealthy
	default:
		return StatusDegraded
	}
}

// Checks returns the latest results ordered by name
func (c *Checker) Checks() []Check {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Check, 0, len(c.results))
	for _, r := range c.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LastHealthy returns when every recorded check last passed
func (c *Checker) LastHealthy() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHealthy
}
