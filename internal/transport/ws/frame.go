package ws

import (
	"encoding/json"
	"fmt"

	"github.com/redbco/redb-swarm/internal/messages"
)

// FrameType represents the type of frame
type FrameType int

const (
	FrameTypeHandshake FrameType = iota
	FrameTypeMessage
)

// Frame is the unit written to a WebSocket connection
type Frame struct {
	Type    FrameType         `json:"type"`
	NodeID  string            `json:"node_id,omitempty"`
	Version string            `json:"version,omitempty"`
	Message *messages.Message `json:"message,omitempty"`
}

// ProtocolVersion is sent in the handshake
const ProtocolVersion = "1.0"

// Serialize serializes the frame to bytes
func (f *Frame) Serialize() ([]byte, error) {
	return json.Marshal(f)
}

// DeserializeFrame deserializes bytes to a frame
func DeserializeFrame(data []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	switch frame.Type {
	case FrameTypeHandshake:
		if frame.NodeID == "" {
			return nil, fmt.Errorf("missing node_id in handshake")
		}
	case FrameTypeMessage:
		if frame.Message == nil {
			return nil, fmt.Errorf("missing message in frame")
		}
	default:
		return nil, fmt.Errorf("unknown frame type: %d", frame.Type)
	}
	return &frame, nil
}

// NewHandshakeFrame creates the first frame sent on a connection
func NewHandshakeFrame(nodeID string) *Frame {
	return &Frame{Type: FrameTypeHandshake, NodeID: nodeID, Version: ProtocolVersion}
}

// NewMessageFrame wraps a message
func NewMessageFrame(msg *messages.Message) *Frame {
	return &Frame{Type: FrameTypeMessage, Message: msg}
}
