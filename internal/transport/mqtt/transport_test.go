package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-swarm/internal/messages"
	"github.com/redbco/redb-swarm/pkg/logger"
)

// fakeBroker routes publishes to exact-topic subscribers
type fakeBroker struct {
	mu   sync.Mutex
	subs map[string]pahomqtt.MessageHandler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string]pahomqtt.MessageHandler)}
}

func (b *fakeBroker) newClient(opts *pahomqtt.ClientOptions) pahomqtt.Client {
	return &fakeClient{broker: b}
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeClient struct {
	broker    *fakeBroker
	connected bool
}

func (c *fakeClient) IsConnected() bool      { return c.connected }
func (c *fakeClient) IsConnectionOpen() bool { return c.connected }
func (c *fakeClient) Connect() pahomqtt.Token {
	c.connected = true
	return doneToken{}
}
func (c *fakeClient) Disconnect(uint) { c.connected = false }
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.broker.mu.Lock()
	h := c.broker.subs[topic]
	c.broker.mu.Unlock()
	if h != nil {
		h(c, fakeMessage{topic: topic, payload: payload.([]byte)})
	}
	return doneToken{}
}
func (c *fakeClient) Subscribe(topic string, qos byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.subs[topic] = cb
	return doneToken{}
}
func (c *fakeClient) SubscribeMultiple(filters map[string]byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	for topic, qos := range filters {
		c.Subscribe(topic, qos, cb)
	}
	return doneToken{}
}
func (c *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	for _, topic := range topics {
		delete(c.broker.subs, topic)
	}
	return doneToken{}
}
func (c *fakeClient) AddRoute(topic string, cb pahomqtt.MessageHandler) {}
func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

func TestInboxTopic(t *testing.T) {
	assert.Equal(t, "swarm/inbox/n1", InboxTopic("swarm/", "n1"))
}

func TestTransportPublishesToInbox(t *testing.T) {
	broker := newFakeBroker()
	log := logger.NewNop()

	got := make(chan *messages.Message, 1)
	b := New(Config{NodeID: "b", Broker: "tcp://fake:1883", NewClient: broker.newClient}, log)
	b.SetHandler(func(ctx context.Context, msg *messages.Message) { got <- msg })

	a := New(Config{NodeID: "a", Broker: "tcp://fake:1883", Peers: []string{"a", "b"}, NewClient: broker.newClient}, log)

	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	require.NoError(t, a.Start(ctx))
	defer a.Stop()

	assert.Equal(t, []string{"b"}, a.Peers())
	require.NoError(t, a.Send(ctx, "b", &messages.Message{ID: "m1", From: "a", To: "b", Type: "task"}))

	select {
	case msg := <-got:
		assert.Equal(t, "m1", msg.ID)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, b.Stop())
	assert.Error(t, b.Send(ctx, "a", &messages.Message{ID: "m2"}))
}
