// Package protocol defines the JSON event envelope shared by the SSE and
// WebSocket listen adapters. Every server-push frame carries a type
// discriminator and, for message events, the sequence number used as the
// client's resume cursor.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/chirpy/chat-backend/internal/chat"
)

// Server -> client event types on listen streams.
const (
	EventMessage = "message"
	EventGap     = "gap"
	EventError   = "error"
)

// Envelope holds the event type and the raw JSON payload for deferred
// decoding into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the payload can be decoded later into the appropriate struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// MessageEvent delivers one chat message to a listener.
type MessageEvent struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq"`
	SessionID string `json:"session_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	Ts        int64  `json:"ts"`
}

// GapEvent tells a listener its queue overflowed and delivery stopped. The
// client should reconnect with resume_from to continue; if that point has
// left the retention window the resubscribe fails and a full resync is
// needed.
type GapEvent struct {
	Type       string `json:"type"`
	LastSeq    int64  `json:"last_seq"`    // last seq delivered on this connection, -1 if none
	ResumeFrom uint64 `json:"resume_from"` // seq to pass on reconnect
}

// ErrorEvent communicates a terminal stream error.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessageEvent builds the wire event for a chat message.
func NewMessageEvent(msg chat.Message) MessageEvent {
	return MessageEvent{
		Type:      EventMessage,
		Seq:       msg.Seq,
		SessionID: msg.SessionID,
		AuthorID:  msg.AuthorID,
		Body:      msg.Body,
		Ts:        msg.Ts,
	}
}

// NewGapEvent builds the wire event for a backpressure gap. lastSeq is the
// subscriber's cursor; the resume point is the next sequence after it.
func NewGapEvent(lastSeq int64) GapEvent {
	return GapEvent{
		Type:       EventGap,
		LastSeq:    lastSeq,
		ResumeFrom: uint64(lastSeq + 1),
	}
}

// NewErrorEvent builds the wire event for a terminal stream error.
func NewErrorEvent(code, message string) ErrorEvent {
	return ErrorEvent{
		Type:    EventError,
		Code:    code,
		Message: message,
	}
}

// Encode marshals an event struct to its JSON frame.
func Encode(event interface{}) ([]byte, error) {
	out, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal event: %w", err)
	}
	return out, nil
}
