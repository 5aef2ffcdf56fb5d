package routing

import (
	"time"
)

// EventType identifies a routing outcome
type EventType int

const (
	EventDelivered EventType = iota
	EventRetrying
	EventFailed
	EventBroadcastPartial
)

func (t EventType) String() string {
	switch t {
	case EventDelivered:
		return "delivered"
	case EventRetrying:
		return "retrying"
	case EventFailed:
		return "failed"
	case EventBroadcastPartial:
		return "broadcast_partial"
	default:
		return "unknown"
	}
}

// Event reports what happened to a message. Every message that is not
// delivered produces exactly one EventFailed.
type Event struct {
	Type        EventType
	MessageID   string
	Destination string
	Route       string
	// Attempts counts delivery attempts made so far, including this one
	Attempts int
	Latency  time.Duration
	// RetryAt is set on EventRetrying
	RetryAt time.Time
	Err     error
	// Failed lists destinations that did not receive a broadcast
	Failed []string
	// Delivered counts broadcast recipients
	Delivered int
	Time      time.Time
}

// Observer receives router telemetry
type Observer interface {
	MessageRouted(strategy string)
	DeliveryCompleted(destination string, success bool, latency time.Duration)
	RetryScheduled(destination string)
	MessageFailed(reason string)
	BreakerStateChanged(destination string, state string)
	AggressivenessChanged(value float64)
}

type nopObserver struct{}

func (nopObserver) MessageRouted(string)                          {}
func (nopObserver) DeliveryCompleted(string, bool, time.Duration) {}
func (nopObserver) RetryScheduled(string)                         {}
func (nopObserver) MessageFailed(string)                          {}
func (nopObserver) BreakerStateChanged(string, string)            {}
func (nopObserver) AggressivenessChanged(float64)                 {}
