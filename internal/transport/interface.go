package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redbco/redb-swarm/internal/messages"
)

// Handler receives inbound messages
type Handler func(ctx context.Context, msg *messages.Message)

// Sender is the send primitive used by the router and the consensus engine
type Sender interface {
	Send(ctx context.Context, destination string, msg *messages.Message) error
}

// Transport represents the transport layer interface
type Transport interface {
	Sender

	// Lifecycle
	Start(ctx context.Context) error
	Stop() error

	// SetHandler installs the inbound handler. It must be called before Start.
	SetHandler(h Handler)

	// LocalID returns the node ID this transport receives for
	LocalID() string
	// Peers returns the destinations currently reachable from this node
	Peers() []string
}

// SenderFunc adapts a function to the Sender interface
type SenderFunc func(ctx context.Context, destination string, msg *messages.Message) error

// Send calls f
func (f SenderFunc) Send(ctx context.Context, destination string, msg *messages.Message) error {
	return f(ctx, destination, msg)
}

// Type represents the type of transport
type Type string

const (
	TypeInProc    Type = "inproc"
	TypeWebSocket Type = "websocket"
	TypeMQTT      Type = "mqtt"
)

// Factory creates a transport for the local node
type Factory func(nodeID string) (Transport, error)

// FactoryRegistry manages transport factories
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[Type]Factory
}

// NewFactoryRegistry creates a new factory registry
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{
		factories: make(map[Type]Factory),
	}
}

// Register registers a transport factory
func (r *FactoryRegistry) Register(transportType Type, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[transportType] = factory
}

// Create creates a transport instance
func (r *FactoryRegistry) Create(transportType Type, nodeID string) (Transport, error) {
	r.mu.RLock()
	factory, exists := r.factories[transportType]
	r.mu.RUnlock()
	if !exists {
		return nil, &TransportError{
			Type:    ErrTypeNotSupported,
			Message: fmt.Sprintf("transport type %q not supported", transportType),
		}
	}

	return factory(nodeID)
}

// TransportError types
const (
	ErrTypeNotSupported = "transport_type_not_supported"
	ErrTypeUnreachable  = "unreachable"
	ErrTypeQueueFull    = "queue_full"
	ErrTypeSendFailed   = "send_failed"
	ErrTypeClosed       = "closed"
)

// ErrTransport is matched by every TransportError
var ErrTransport = errors.New("transport error")

// TransportError represents a failed send or transport setup
type TransportError struct {
	Type        string `json:"type"`
	Destination string `json:"destination,omitempty"`
	Message     string `json:"message"`
	Err         error  `json:"-"`
}

func (e *TransportError) Error() string {
	msg := e.Message
	if e.Destination != "" {
		msg = fmt.Sprintf("%s (destination: %s)", msg, e.Destination)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches ErrTransport
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// SendError wraps a send failure to destination
func SendError(destination string, err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{
		Type:        ErrTypeSendFailed,
		Destination: destination,
		Message:     "send failed",
		Err:         err,
	}
}
