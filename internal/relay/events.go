package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Socket event names.
const (
	EventMessage  = "ai-message"
	EventResponse = "ai-response"
	EventChunk    = "ai-chunk"
	EventError    = "ai-error"
)

// Envelope frames every socket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ChatID accepts a thread id sent either as a JSON number or a string.
type ChatID int64

func (id *ChatID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*id = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat id %q", s)
		}
		*id = ChatID(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid chat id: %w", err)
	}
	*id = ChatID(n)
	return nil
}

// Utterance is the payload of an inbound ai-message. ClientID is the
// client's optimistic id for the message and is echoed back.
type Utterance struct {
	Chat     ChatID `json:"chat"`
	Text     string `json:"text"`
	ClientID string `json:"_id,omitempty"`
}

// Response is the payload of ai-response.
type Response struct {
	ID       int64  `json:"_id"`
	Chat     int64  `json:"chat"`
	Text     string `json:"text"`
	ClientID string `json:"client_id,omitempty"`
}

// Chunk is the payload of ai-chunk: one streamed delta of the reply.
type Chunk struct {
	Chat     int64  `json:"chat"`
	Text     string `json:"text"`
	ClientID string `json:"client_id,omitempty"`
}

// ErrorEvent is the payload of ai-error.
type ErrorEvent struct {
	Message  string `json:"message"`
	Chat     int64  `json:"chat,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// Emitter delivers one outbound event. It must be safe for concurrent use.
type Emitter func(event string, payload any) error
