package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/redbco/redb-swarm/internal/messages"
	"github.com/redbco/redb-swarm/internal/transport"
	"github.com/redbco/redb-swarm/pkg/logger"
)

// Config holds configuration for the MQTT transport
type Config struct {
	NodeID         string
	Broker         string // e.g. tcp://localhost:1883
	TopicPrefix    string
	Peers          []string
	QoS            byte
	Username       string
	Password       string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	KeepAlive      time.Duration

	// NewClient overrides client construction
	NewClient func(opts *pahomqtt.ClientOptions) pahomqtt.Client
}

// Transport sends messages by publishing to the destination's inbox topic and
// receives by subscribing to its own.
type Transport struct {
	config Config
	logger *logger.Logger

	mu      sync.RWMutex
	client  pahomqtt.Client
	handler transport.Handler
	ctx     context.Context
	cancel  context.CancelFunc
}

var _ transport.Transport = (*Transport)(nil)

// New creates an MQTT transport
func New(config Config, log *logger.Logger) *Transport {
	if config.TopicPrefix == "" {
		config.TopicPrefix = "swarm"
	}
	if config.QoS == 0 {
		config.QoS = 1
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = 60 * time.Second
	}
	if config.NewClient == nil {
		config.NewClient = pahomqtt.NewClient
	}
	return &Transport{config: config, logger: log}
}

// Factory returns a transport factory for this configuration
func Factory(config Config, log *logger.Logger) transport.Factory {
	return func(nodeID string) (transport.Transport, error) {
		config.NodeID = nodeID
		return New(config, log), nil
	}
}

// InboxTopic returns the topic a node receives on
func InboxTopic(prefix, nodeID string) string {
	return fmt.Sprintf("%s/inbox/%s", strings.TrimSuffix(prefix, "/"), nodeID)
}

// LocalID returns the node this transport subscribes for
func (t *Transport) LocalID() string {
	return t.config.NodeID
}

// Peers returns the configured peers
func (t *Transport) Peers() []string {
	out := make([]string, 0, len(t.config.Peers))
	for _, p := range t.config.Peers {
		if p != t.config.NodeID {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// SetHandler installs the inbound handler
func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Start connects to the broker and subscribes to the inbox topic
func (t *Transport) Start(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(t.config.Broker)
	opts.SetClientID(fmt.Sprintf("swarm-%s", t.config.NodeID))
	if t.config.Username != "" {
		opts.SetUsername(t.config.Username)
		opts.SetPassword(t.config.Password)
	}
	opts.SetConnectTimeout(t.config.ConnectTimeout)
	opts.SetKeepAlive(t.config.KeepAlive)
	opts.SetCleanSession(true)
	// handlers may publish replies from inside the callback
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		t.logger.Warn("MQTT connection lost: (node: %s, error: %v)", t.config.NodeID, err)
	})

	client := t.config.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(t.config.ConnectTimeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	topic := InboxTopic(t.config.TopicPrefix, t.config.NodeID)
	sub := client.Subscribe(topic, t.config.QoS, t.onMessage)
	if !sub.WaitTimeout(t.config.ConnectTimeout) {
		client.Disconnect(250)
		return fmt.Errorf("mqtt subscribe timeout: (topic: %s)", topic)
	}
	if err := sub.Error(); err != nil {
		client.Disconnect(250)
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	t.mu.Lock()
	t.client = client
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	t.logger.Info("MQTT transport started: (node: %s, broker: %s, topic: %s)", t.config.NodeID, t.config.Broker, topic)
	return nil
}

// Stop disconnects from the broker
func (t *Transport) Stop() error {
	t.mu.Lock()
	client, cancel := t.client, t.cancel
	t.client = nil
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	cancel()
	client.Unsubscribe(InboxTopic(t.config.TopicPrefix, t.config.NodeID)).WaitTimeout(time.Second)
	client.Disconnect(250)
	return nil
}

// Send publishes msg to the destination's inbox topic
func (t *Transport) Send(ctx context.Context, destination string, msg *messages.Message) error {
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if client == nil {
		return &transport.TransportError{Type: transport.ErrTypeClosed, Destination: destination, Message: "transport not started"}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return transport.SendError(destination, err)
	}

	token := client.Publish(InboxTopic(t.config.TopicPrefix, destination), t.config.QoS, false, data)
	timeout := t.config.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if !token.WaitTimeout(timeout) {
		return transport.SendError(destination, fmt.Errorf("publish timeout"))
	}
	if err := token.Error(); err != nil {
		return transport.SendError(destination, err)
	}
	return nil
}

func (t *Transport) onMessage(_ pahomqtt.Client, m pahomqtt.Message) {
	var msg messages.Message
	if err := json.Unmarshal(m.Payload(), &msg); err != nil {
		t.logger.Warn("Dropping malformed MQTT message: (topic: %s, error: %v)", m.Topic(), err)
		return
	}

	t.mu.RLock()
	handler, ctx := t.handler, t.ctx
	t.mu.RUnlock()
	if handler == nil || ctx == nil {
		return
	}
	handler(ctx, &msg)
}
