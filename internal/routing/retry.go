package routing

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/redbco/redb-swarm/internal/messages"
)

// RetryPolicy bounds redelivery of failed messages
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt. Zero uses the
	// default; a negative value disables retries.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Horizon is the longest a message may wait for redelivery, counted from its
	// first failure
	Horizon time.Duration
}

const (
	DefaultMaxRetries   = 3
	DefaultBaseBackoff  = time.Second
	DefaultMaxBackoff   = 30 * time.Second
	DefaultRetryHorizon = 5 * time.Minute
)

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = DefaultBaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.Horizon <= 0 {
		p.Horizon = DefaultRetryHorizon
	}
	return p
}

// Backoff returns the delay before retry number attempt (1-based):
// min(base * 2^(attempt-1), max).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff || d <= 0 {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// ShouldRetry reports whether a message that has failed failures times gets
// another attempt
func (p RetryPolicy) ShouldRetry(failures int) bool {
	return failures <= p.MaxRetries
}

// RetryRecord tracks a message awaiting redelivery
type RetryRecord struct {
	Message *messages.Message
	// Destination is empty when the failed attempt never chose one; the retry
	// then routes the message again.
	Destination  string
	Route        Route
	Attempts     int
	FirstFailure time.Time
	NextEligible time.Time
	LastError    error

	gen   uint64
	timer *clock.Timer
}

func (rec *RetryRecord) stop() {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
}
