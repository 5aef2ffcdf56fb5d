package transport

import (
	"context"
	"sort"
	"sync"

	"github.com/redbco/redb-swarm/internal/messages"
	"github.com/redbco/redb-swarm/pkg/logger"
)

// FaultFunc can veto a delivery; a non-nil error fails the send
type FaultFunc func(from, to string, msg *messages.Message) error

// Hub connects in-process endpoints. Each endpoint drains its inbox on its own
// goroutine, so handlers for one endpoint never run concurrently.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	isolated  map[string]bool
	fault     FaultFunc
	inboxSize int
	logger    *logger.Logger
}

// NewHub creates a hub whose endpoints buffer up to inboxSize messages
func NewHub(inboxSize int, log *logger.Logger) *Hub {
	if inboxSize <= 0 {
		inboxSize = 1024
	}
	return &Hub{
		endpoints: make(map[string]*Endpoint),
		isolated:  make(map[string]bool),
		inboxSize: inboxSize,
		logger:    log,
	}
}

// Endpoint returns the endpoint for nodeID, creating it if needed
func (h *Hub) Endpoint(nodeID string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ep, ok := h.endpoints[nodeID]; ok {
		return ep
	}
	ep := &Endpoint{
		hub:    h,
		nodeID: nodeID,
		inbox:  make(chan *messages.Message, h.inboxSize),
	}
	h.endpoints[nodeID] = ep
	return ep
}

// Factory returns a transport factory producing endpoints of this hub
func (h *Hub) Factory() Factory {
	return func(nodeID string) (Transport, error) {
		return h.Endpoint(nodeID), nil
	}
}

// Remove detaches nodeID; later sends to it fail as unreachable
func (h *Hub) Remove(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, nodeID)
}

// Isolate drops all traffic to and from nodeID until Heal is called
func (h *Hub) Isolate(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isolated[nodeID] = true
}

// Heal reconnects an isolated node
func (h *Hub) Heal(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.isolated, nodeID)
}

// SetFault installs a fault injector; nil removes it
func (h *Hub) SetFault(f FaultFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fault = f
}

func (h *Hub) deliver(from, to string, msg *messages.Message) error {
	h.mu.RLock()
	dest, ok := h.endpoints[to]
	isolated := h.isolated[from] || h.isolated[to]
	fault := h.fault
	h.mu.RUnlock()

	if !ok || isolated {
		return &TransportError{Type: ErrTypeUnreachable, Destination: to, Message: "destination unreachable"}
	}
	if fault != nil {
		if err := fault(from, to, msg); err != nil {
			return SendError(to, err)
		}
	}

	select {
	case dest.inbox <- msg.Clone():
		return nil
	default:
		return &TransportError{Type: ErrTypeQueueFull, Destination: to, Message: "inbox is full"}
	}
}

func (h *Hub) peers(self string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.endpoints))
	for id := range h.endpoints {
		if id != self {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Endpoint is a Transport attached to a Hub
type Endpoint struct {
	hub    *Hub
	nodeID string
	inbox  chan *messages.Message

	mu      sync.Mutex
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ Transport = (*Endpoint)(nil)

// LocalID returns the endpoint's node ID
func (e *Endpoint) LocalID() string {
	return e.nodeID
}

// Peers returns the other endpoints of the hub
func (e *Endpoint) Peers() []string {
	return e.hub.peers(e.nodeID)
}

// SetHandler installs the inbound handler
func (e *Endpoint) SetHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// Start begins draining the inbox
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx, e.handler, e.done)
	return nil
}

// Stop stops draining the inbox and waits for the current handler to return
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Send delivers msg into the destination endpoint's inbox
func (e *Endpoint) Send(ctx context.Context, destination string, msg *messages.Message) error {
	if err := ctx.Err(); err != nil {
		return SendError(destination, err)
	}
	return e.hub.deliver(e.nodeID, destination, msg)
}

func (e *Endpoint) run(ctx context.Context, handler Handler, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.inbox:
			if handler == nil {
				if e.hub.logger != nil {
					e.hub.logger.Warn("Dropping message without handler: (node: %s, message_id: %s)", e.nodeID, msg.ID)
				}
				continue
			}
			handler(ctx, msg)
		}
	}
}
