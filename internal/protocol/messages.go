package protocol

import (
	"encoding/json"
	"time"
)

// ChatEvent is one raw comment delivered over the chat transport.
type ChatEvent struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// ChatPayload is the subset of the transport payload the pipeline reads.
// The full payload is persisted verbatim; only these fields are decoded.
type ChatPayload struct {
	Author  string `json:"author"`
	Message string `json:"message"`
}

// ReadingSnapshot is pushed to the visual output ahead of audio playback.
type ReadingSnapshot struct {
	MessageID    string          `json:"message_id"`
	Author       string          `json:"author,omitempty"`
	RequiredInfo json.RawMessage `json:"required_info,omitempty"`
	Result       string          `json:"result"`
	AudioPath    string          `json:"audio_path"`
	Timestamp    time.Time       `json:"timestamp"`
}

const (
	SubjectChatMessage    = "chat.message"
	SubjectDisplayReading = "display.reading"
)
