package protocol

import (
	"encoding/json"
	"testing"

	"github.com/chirpy/chat-backend/internal/chat"
)

func TestMessageEventRoundTrip(t *testing.T) {
	msg := chat.Message{Seq: 7, SessionID: "s1", AuthorID: "a1", Body: "hello", Ts: 1234}

	data, err := Encode(NewMessageEvent(msg))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("envelope unmarshal: %v", err)
	}
	if env.Type != EventMessage {
		t.Fatalf("expected type %q, got %q", EventMessage, env.Type)
	}

	var event MessageEvent
	if err := json.Unmarshal(env.Raw, &event); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if event.Seq != 7 || event.Body != "hello" || event.SessionID != "s1" {
		t.Errorf("unexpected event %+v", event)
	}
}

func TestGapEventResumePoint(t *testing.T) {
	event := NewGapEvent(41)
	if event.ResumeFrom != 42 {
		t.Errorf("expected resume_from 42, got %d", event.ResumeFrom)
	}

	event = NewGapEvent(-1)
	if event.ResumeFrom != 0 {
		t.Errorf("expected resume_from 0 for empty cursor, got %d", event.ResumeFrom)
	}
}

func TestEnvelopeRejectsMissingType(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"seq":1}`), &env); err == nil {
		t.Fatal("expected error for missing type field")
	}
}
