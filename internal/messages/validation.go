package messages

import (
	"errors"
	"fmt"
	"time"
)

// DefaultMaxPayloadSize is the payload cap applied when none is configured (1 MiB)
const DefaultMaxPayloadSize = 1 << 20

// ErrInvalidMessage is matched by every ValidationError
var ErrInvalidMessage = errors.New("invalid message")

// ValidationError reports a malformed, oversized or expired message
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid message: %s", e.Reason)
	}
	return fmt.Sprintf("invalid message: %s: %s", e.Field, e.Reason)
}

// Is matches ErrInvalidMessage
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidMessage
}

// Validator checks messages at ingress
type Validator struct {
	maxPayloadSize int
	now            func() time.Time
}

// NewValidator creates a validator. A non-positive maxPayloadSize uses the default,
// and a nil now uses time.Now.
func NewValidator(maxPayloadSize int, now func() time.Time) *Validator {
	if maxPayloadSize <= 0 {
		maxPayloadSize = DefaultMaxPayloadSize
	}
	if now == nil {
		now = time.Now
	}
	return &Validator{maxPayloadSize: maxPayloadSize, now: now}
}

// MaxPayloadSize returns the configured cap in bytes
func (v *Validator) MaxPayloadSize() int {
	return v.maxPayloadSize
}

// Validate checks required fields, the payload cap and the TTL. A missing
// timestamp is stamped with the current time and a missing priority defaults
// to normal, so msg may be modified.
func (v *Validator) Validate(msg *Message) error {
	if msg == nil {
		return &ValidationError{Reason: "message is nil"}
	}
	if msg.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if msg.From == "" {
		return &ValidationError{Field: "from", Reason: "is required"}
	}
	if msg.To == "" {
		return &ValidationError{Field: "to", Reason: "is required"}
	}
	if msg.Type == "" {
		return &ValidationError{Field: "type", Reason: "is required"}
	}
	if len(msg.Payload) > v.maxPayloadSize {
		return &ValidationError{
			Field:  "payload",
			Reason: fmt.Sprintf("size %d exceeds limit %d", len(msg.Payload), v.maxPayloadSize),
		}
	}
	switch msg.Priority {
	case "":
		msg.Priority = PriorityNormal
	case PriorityNormal, PriorityHigh:
	default:
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", msg.Priority)}
	}
	if msg.TTL < 0 {
		return &ValidationError{Field: "ttl", Reason: "must not be negative"}
	}

	now := v.now()
	if msg.Timestamp == 0 {
		msg.Timestamp = now.UnixMilli()
	}
	if msg.IsExpired(now) {
		return &ValidationError{
			Field:  "ttl",
			Reason: fmt.Sprintf("message expired (age: %dms, ttl: %dms)", now.UnixMilli()-msg.Timestamp, msg.TTL),
		}
	}
	return nil
}
