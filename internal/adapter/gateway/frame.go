package gateway

import "encoding/json"

// FrameType identifies the kind of frame sent over the events stream.
type FrameType string

const (
	FrameTypeReady FrameType = "ready" // sent once after the subscription is live
	FrameTypeEvent FrameType = "event"
)

// Frame is the envelope written to events stream clients.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"` // the encoded domain.Event
}
