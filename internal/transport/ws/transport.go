package ws

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/redbco/redb-swarm/internal/messages"
	"github.com/redbco/redb-swarm/internal/transport"
	"github.com/redbco/redb-swarm/pkg/logger"
)

// TransportConfig holds configuration for the transport manager
type TransportConfig struct {
	NodeID           string            `json:"node_id"`
	ListenAddr       string            `json:"listen_addr"`
	Peers            map[string]string `json:"peers"` // node ID -> host:port
	ReadBufferSize   int               `json:"read_buffer_size"`
	WriteBufferSize  int               `json:"write_buffer_size"`
	MaxMessageSize   int64             `json:"max_message_size"`
	HandshakeTimeout time.Duration     `json:"handshake_timeout"`
	WriteTimeout     time.Duration     `json:"write_timeout"`
	PongWait         time.Duration     `json:"pong_wait"`
	PingPeriod       time.Duration     `json:"ping_period"`
	MaxConnections   int               `json:"max_connections"`
}

// link is one WebSocket connection to a remote node
type link struct {
	nodeID string
	conn   *websocket.Conn
	mu     sync.Mutex // serializes writes
}

// TransportManager is a WebSocket transport. Each remote node is reached over
// a single connection, dialed on first send or accepted on /ws.
type TransportManager struct {
	config   TransportConfig
	logger   *logger.Logger
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	mu      sync.RWMutex
	links   map[string]*link
	handler transport.Handler
	ctx     context.Context
	cancel  context.CancelFunc
	server  *http.Server
}

var _ transport.Transport = (*TransportManager)(nil)

// NewTransportManager creates a new transport manager
func NewTransportManager(config TransportConfig, logger *logger.Logger) *TransportManager {
	if config.ReadBufferSize == 0 {
		config.ReadBufferSize = 1024
	}
	if config.WriteBufferSize == 0 {
		config.WriteBufferSize = 1024
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = 2 * messages.DefaultMaxPayloadSize
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.PongWait == 0 {
		config.PongWait = 60 * time.Second
	}
	if config.PingPeriod == 0 {
		config.PingPeriod = 54 * time.Second
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 1000
	}

	tm := &TransportManager{
		config: config,
		logger: logger,
		links:  make(map[string]*link),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
		},
	}
	tm.ctx, tm.cancel = context.WithCancel(context.Background())
	return tm
}

// Factory returns a transport factory for this configuration
func Factory(config TransportConfig, log *logger.Logger) transport.Factory {
	return func(nodeID string) (transport.Transport, error) {
		config.NodeID = nodeID
		return NewTransportManager(config, log), nil
	}
}

// LocalID returns the node ID sent in handshakes
func (tm *TransportManager) LocalID() string {
	return tm.config.NodeID
}

// SetHandler installs the inbound handler
func (tm *TransportManager) SetHandler(h transport.Handler) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.handler = h
}

// Handler returns the HTTP handler serving /ws
func (tm *TransportManager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", tm.handleWebSocket)
	return mux
}

// Start starts listening for connections. With no listen address the manager
// only dials out.
func (tm *TransportManager) Start(ctx context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.server != nil {
		return fmt.Errorf("transport manager already started")
	}
	go func() {
		select {
		case <-ctx.Done():
			tm.cancel()
		case <-tm.ctx.Done():
		}
	}()

	if tm.config.ListenAddr == "" {
		return nil
	}

	tm.server = &http.Server{
		Addr:              tm.config.ListenAddr,
		Handler:           tm.Handler(),
		ReadHeaderTimeout: tm.config.HandshakeTimeout,
	}

	go func() {
		if err := tm.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			tm.logger.Error("Failed to start transport server: (listen_addr: %s, error: %v)", tm.config.ListenAddr, err)
		}
	}()

	tm.logger.Info("WebSocket transport started: (node: %s, listen_addr: %s)", tm.config.NodeID, tm.config.ListenAddr)
	return nil
}

// Stop closes all connections and the listener
func (tm *TransportManager) Stop() error {
	tm.cancel()

	tm.mu.Lock()
	for id, l := range tm.links {
		l.conn.Close()
		delete(tm.links, id)
	}
	server := tm.server
	tm.server = nil
	tm.mu.Unlock()

	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	tm.logger.Info("WebSocket transport stopped: (node: %s)", tm.config.NodeID)
	return nil
}

// Peers returns configured peers and currently connected nodes
func (tm *TransportManager) Peers() []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	seen := make(map[string]bool)
	for id := range tm.config.Peers {
		seen[id] = true
	}
	for id := range tm.links {
		seen[id] = true
	}
	delete(seen, tm.config.NodeID)

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Send writes msg to destination, dialing it if no connection exists
func (tm *TransportManager) Send(ctx context.Context, destination string, msg *messages.Message) error {
	l, err := tm.getOrDial(ctx, destination)
	if err != nil {
		return err
	}

	data, err := NewMessageFrame(msg).Serialize()
	if err != nil {
		return transport.SendError(destination, err)
	}

	l.mu.Lock()
	l.conn.SetWriteDeadline(time.Now().Add(tm.config.WriteTimeout))
	err = l.conn.WriteMessage(websocket.TextMessage, data)
	l.mu.Unlock()

	if err != nil {
		tm.dropLink(destination, l)
		return transport.SendError(destination, err)
	}
	return nil
}

func (tm *TransportManager) getOrDial(ctx context.Context, destination string) (*link, error) {
	tm.mu.RLock()
	l, ok := tm.links[destination]
	addr, known := tm.config.Peers[destination]
	tm.mu.RUnlock()
	if ok {
		return l, nil
	}
	if !known {
		return nil, &transport.TransportError{
			Type:        transport.ErrTypeUnreachable,
			Destination: destination,
			Message:     "no address for destination",
		}
	}

	conn, _, err := tm.dialer.DialContext(ctx, fmt.Sprintf("ws://%s/ws", addr), nil)
	if err != nil {
		return nil, transport.SendError(destination, fmt.Errorf("failed to dial WebSocket: %w", err))
	}

	hs, err := NewHandshakeFrame(tm.config.NodeID).Serialize()
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(tm.config.WriteTimeout))
		err = conn.WriteMessage(websocket.TextMessage, hs)
	}
	if err != nil {
		conn.Close()
		return nil, transport.SendError(destination, fmt.Errorf("failed to send handshake: %w", err))
	}

	l = tm.register(destination, conn)
	tm.logger.Info("Connected to remote node: (node: %s, remote_addr: %s)", destination, addr)
	return l, nil
}

// register stores conn as the link to nodeID and starts its reader. An existing
// link to the same node is replaced.
func (tm *TransportManager) register(nodeID string, conn *websocket.Conn) *link {
	l := &link{nodeID: nodeID, conn: conn}

	tm.mu.Lock()
	if old, ok := tm.links[nodeID]; ok {
		old.conn.Close()
	}
	tm.links[nodeID] = l
	tm.mu.Unlock()

	conn.SetReadLimit(tm.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(tm.config.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(tm.config.PongWait))
		return nil
	})

	go tm.pingTicker(l)
	go tm.readLoop(l)
	return l
}

func (tm *TransportManager) dropLink(nodeID string, l *link) {
	tm.mu.Lock()
	if cur, ok := tm.links[nodeID]; ok && cur == l {
		delete(tm.links, nodeID)
	}
	tm.mu.Unlock()
	l.conn.Close()
}

// handleWebSocket handles incoming WebSocket connections
func (tm *TransportManager) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	tm.mu.RLock()
	full := len(tm.links) >= tm.config.MaxConnections
	tm.mu.RUnlock()
	if full {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := tm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		tm.logger.Error("Failed to upgrade connection: (error: %v)", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(tm.config.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		tm.logger.Error("Failed to read handshake: (error: %v)", err)
		conn.Close()
		return
	}
	frame, err := DeserializeFrame(data)
	if err != nil || frame.Type != FrameTypeHandshake {
		tm.logger.Error("Failed to parse handshake: (error: %v)", err)
		conn.Close()
		return
	}

	tm.register(frame.NodeID, conn)
	tm.logger.Info("Accepted connection: (remote_node: %s)", frame.NodeID)
}

// pingTicker sends periodic pings to keep the connection alive
func (tm *TransportManager) pingTicker(l *link) {
	ticker := time.NewTicker(tm.config.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			err := l.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(tm.config.WriteTimeout))
			l.mu.Unlock()
			if err != nil {
				tm.logger.Debug("Failed to send ping: (remote_node: %s, error: %v)", l.nodeID, err)
				return
			}
		case <-tm.ctx.Done():
			return
		}
	}
}

func (tm *TransportManager) readLoop(l *link) {
	defer tm.dropLink(l.nodeID, l)

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				tm.logger.Warn("Connection closed unexpectedly: (remote_node: %s, error: %v)", l.nodeID, err)
			}
			return
		}

		frame, err := DeserializeFrame(data)
		if err != nil {
			tm.logger.Warn("Dropping malformed frame: (remote_node: %s, error: %v)", l.nodeID, err)
			continue
		}
		if frame.Type != FrameTypeMessage {
			continue
		}

		tm.mu.RLock()
		handler := tm.handler
		tm.mu.RUnlock()
		if handler != nil {
			handler(tm.ctx, frame.Message)
		}
	}
}
