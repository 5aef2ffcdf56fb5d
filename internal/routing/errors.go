package routing

import (
	"errors"
	"fmt"

	"github.com/redbco/redb-swarm/internal/messages"
	"github.com/redbco/redb-swarm/internal/transport"
)

var (
	// ErrNoRoute is matched by NoRouteFoundError
	ErrNoRoute = errors.New("no route found")
	// ErrCircuitOpen is matched by CircuitOpenError
	ErrCircuitOpen = errors.New("circuit open")
	// ErrRetryHorizon is reported when a retry record outlives the retry horizon
	ErrRetryHorizon = errors.New("retry horizon exceeded")
	// ErrRouterStopped is returned by Route after Stop
	ErrRouterStopped = errors.New("router stopped")
	// ErrGroupTooSmall is matched by GroupTooSmallError
	ErrGroupTooSmall = errors.New("consensus group too small")
)

// ValidationError reports a malformed or oversized message. It is fatal.
type ValidationError = messages.ValidationError

// TransportError reports a failed send. It is retryable.
type TransportError = transport.TransportError

// NoRouteFoundError is returned when no registered pattern matches. It is fatal.
type NoRouteFoundError struct {
	To   string
	Type string
}

func (e *NoRouteFoundError) Error() string {
	return fmt.Sprintf("no route found for %s (type: %s)", e.To, e.Type)
}

// Is matches ErrNoRoute
func (e *NoRouteFoundError) Is(target error) bool {
	return target == ErrNoRoute
}

// CircuitOpenError is returned when a destination's breaker refuses traffic. It is retryable.
type CircuitOpenError struct {
	Destination string
}

func (e *CircuitOpenError) Error() string {
	if e.Destination == "" {
		return "circuit open for every candidate destination"
	}
	return fmt.Sprintf("circuit open for destination %s", e.Destination)
}

// Is matches ErrCircuitOpen
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// GroupTooSmallError is returned when fewer destinations can handle a
// consensus-required message than a group needs. It is fatal.
type GroupTooSmallError struct {
	Handler string
	Need    int
	Have    int
}

func (e *GroupTooSmallError) Error() string {
	return fmt.Sprintf("consensus group for handler %s needs %d destinations, found %d", e.Handler, e.Need, e.Have)
}

// Is matches ErrGroupTooSmall
func (e *GroupTooSmallError) Is(target error) bool {
	return target == ErrGroupTooSmall
}

// IsRetryable reports whether err is absorbed by the retry policy
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, transport.ErrTransport)
}

// IsFatal reports whether err must surface immediately without retry
func IsFatal(err error) bool {
	return err != nil && !IsRetryable(err)
}
