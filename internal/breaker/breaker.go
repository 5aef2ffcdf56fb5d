package breaker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State of a circuit breaker
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
)

// Config holds configuration for a breaker
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	Clock            clock.Clock
	// OnStateChange is called without the breaker lock held
	OnStateChange func(destination string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Breaker gates traffic to a single destination
type Breaker struct {
	destination string
	config      Config

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	trialInFlight bool
}

// New creates a closed breaker for destination
func New(destination string, config Config) *Breaker {
	return &Breaker{
		destination: destination,
		config:      config.withDefaults(),
	}
}

// Destination returns the destination this breaker guards
func (b *Breaker) Destination() string {
	return b.destination
}

// IsOpen reports whether traffic must be refused. Once the recovery timeout has
// elapsed, the first query moves an open breaker to HalfOpen and admits that
// caller as the single trial; everyone else is refused until the trial records
// its outcome.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	from := b.state
	open := true

	switch b.state {
	case Closed:
		open = false
	case Open:
		if b.config.Clock.Since(b.lastFailure) >= b.config.RecoveryTimeout {
			b.state = HalfOpen
			b.trialInFlight = true
			open = false
		}
	case HalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			open = false
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return open
}

// Available reports whether IsOpen would currently admit a request, without
// changing state.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		return b.config.Clock.Since(b.lastFailure) >= b.config.RecoveryTimeout
	default:
		return !b.trialInFlight
	}
}

// RecordSuccess resets the failure counter and closes the breaker
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.trialInFlight = false
	b.state = Closed
	b.mu.Unlock()

	b.notify(from, Closed)
}

// RecordFailure increments the failure counter and stamps the failure time. A
// failed trial reopens the breaker with a fresh recovery window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.lastFailure = b.config.Clock.Now()

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.trialInFlight = false
	case Closed:
		if b.failures >= b.config.FailureThreshold {
			b.state = Open
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// State returns the current state without transitioning
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset returns the breaker to Closed with no recorded failures
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.trialInFlight = false
	b.lastFailure = time.Time{}
	b.mu.Unlock()

	b.notify(from, Closed)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.config.OnStateChange != nil {
		b.config.OnStateChange(b.destination, from, to)
	}
}
