package hub

import (
	"encoding/json"
	"time"
)

// Inbound frame types accepted from clients.
const (
	FrameChat  = "chat"
	FramePing  = "ping"
	FrameClose = "close"
)

// Outbound frame types sent to clients.
const (
	FrameChatReply   = "chat_reply"
	FrameRateLimited = "rate_limited"
	FrameTimeout     = "timeout"
	FrameError       = "error"
	FramePong        = "pong"
)

// InboundFrame is the client-to-server wire format. ID is an optional
// client-chosen correlation value, accepted and ignored.
type InboundFrame struct {
	Type string `json:"type"`
	Body string `json:"body,omitempty"`
	ID   string `json:"id,omitempty"`
}

// OutboundFrame is the server-to-client wire format. Fields are omitted when
// they do not apply to the frame type.
type OutboundFrame struct {
	Type       string    `json:"type"`
	Message    string    `json:"message,omitempty"`
	SourceTag  string    `json:"source_tag,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	RetryAfter int       `json:"retry_after_seconds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Encode serializes an outbound frame.
func (f *OutboundFrame) Encode() []byte {
	data, err := json.Marshal(f)
	if err != nil {
		// Frames are built from plain values; this cannot fail at runtime.
		return []byte(`{"type":"error"}`)
	}
	return data
}
