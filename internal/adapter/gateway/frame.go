package gateway

import "encoding/json"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeHello FrameType = "hello"
	FrameTypeEvent FrameType = "event"
)

// Frame is the envelope the gateway writes to connected clients.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
