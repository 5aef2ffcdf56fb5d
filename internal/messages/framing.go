package messages

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Framer creates messages originating from one node
type Framer struct {
	nodeID string
	now    func() time.Time
	sent   uint64
}

// NewFramer creates a new message framer. A nil now uses time.Now.
func NewFramer(nodeID string, now func() time.Time) *Framer {
	if now == nil {
		now = time.Now
	}
	return &Framer{nodeID: nodeID, now: now}
}

// NodeID returns the sender ID stamped on created messages
func (f *Framer) NodeID() string {
	return f.nodeID
}

// Created returns how many messages this framer has produced
func (f *Framer) Created() uint64 {
	return atomic.LoadUint64(&f.sent)
}

// NewID returns a fresh message or proposal ID
func NewID() string {
	return uuid.NewString()
}

// DerivedID returns the ID of the n-th clone of a message
func DerivedID(parentID string, n int) string {
	return fmt.Sprintf("%s-%d", parentID, n)
}

// CreateMessage creates a new message with a marshalled payload
func (f *Framer) CreateMessage(msgType, to string, priority Priority, payload interface{}) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		if r, ok := payload.(json.RawMessage); ok {
			raw = r
		} else {
			b, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal payload: %w", err)
			}
			raw = b
		}
	}
	if priority == "" {
		priority = PriorityNormal
	}

	atomic.AddUint64(&f.sent, 1)
	return &Message{
		ID:        NewID(),
		From:      f.nodeID,
		To:        to,
		Type:      msgType,
		Payload:   raw,
		Timestamp: f.now().UnixMilli(),
		Priority:  priority,
	}, nil
}

// CreateConsensusMessage wraps data in a ConsensusPayload on the given channel
func (f *Framer) CreateConsensusMessage(channel, kind, to string, term uint64, data interface{}) (*Message, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal consensus data: %w", err)
	}

	payload := ConsensusPayload{
		Kind: kind,
		Term: term,
		Data: dataBytes,
	}
	return f.CreateMessage(channel, to, PriorityHigh, payload)
}

// CloneFor copies msg for an additional destination, deriving the clone's ID
func CloneFor(msg *Message, to string, n int) *Message {
	c := msg.Clone()
	c.ID = DerivedID(msg.ID, n)
	c.To = to
	return c
}

// Tag merges extra top-level fields into a JSON object payload. Non-object
// payloads are wrapped as {"data": <payload>} first.
func Tag(payload json.RawMessage, fields interface{}) (json.RawMessage, error) {
	obj := make(map[string]json.RawMessage)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &obj); err != nil {
			obj = map[string]json.RawMessage{"data": payload}
		}
	}

	extra, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tag: %w", err)
	}
	var extraObj map[string]json.RawMessage
	if err := json.Unmarshal(extra, &extraObj); err != nil {
		return nil, fmt.Errorf("tag must be an object: %w", err)
	}
	for k, v := range extraObj {
		obj[k] = v
	}

	return json.Marshal(obj)
}
