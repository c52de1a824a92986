package httpapi

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/chirpy/chat-backend/internal/chat"
	"github.com/chirpy/chat-backend/internal/protocol"
	"github.com/chirpy/chat-backend/internal/ratelimit"
)

// handleListen attaches the caller to a session's message stream over
// Server-Sent Events. Each message event carries its sequence number as the
// SSE event id, so browsers reconnect with Last-Event-ID and resume
// automatically. The stream ends with a gap event when the subscriber's
// queue overflowed and its backlog ran out; the client reconnects with the
// advertised resume point.
//
// Resume selection, first match wins:
//
//	Last-Event-ID: <n>  resume from n+1 (n was already seen)
//	?resume_from=<n>    resume from n inclusive
//	neither             live tail only
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.allow(w, r, ident.ID, ratelimit.RuleListen) {
		return
	}

	resume, err := resumePoint(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	sub, err := s.coord.Subscribe(ident, r.PathValue("id"), resume)
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.coord.Unsubscribe(sub)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(s.config.KeepAlive)
	defer keepAlive.Stop()

	// The stream does not outlive the token that authorized it.
	expiry := time.NewTimer(time.Until(ident.ExpiresAt))
	defer expiry.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-expiry.C:
			s.writeStreamError(w, "token_expired", "token expired, request a new one and reconnect")
			flusher.Flush()
			return

		case <-keepAlive.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case msg, ok := <-sub.C():
			if !ok {
				// The hub detached us. A gap means delivery stopped short;
				// tell the client where to resume before ending the stream.
				if sub.Gapped() {
					s.writeGap(w, sub)
					flusher.Flush()
				}
				return
			}
			if err := writeMessageEvent(w, msg); err != nil {
				return
			}
			sub.MarkDelivered(msg.Seq)
			flusher.Flush()
			keepAlive.Reset(s.config.KeepAlive)
		}
	}
}

// resumePoint derives the inclusive resume sequence from the request, or
// nil for a live tail subscription.
func resumePoint(r *http.Request) (*uint64, error) {
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		seen, err := strconv.ParseUint(last, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid Last-Event-ID %q", last)
		}
		from := seen + 1
		return &from, nil
	}
	if q := r.URL.Query().Get("resume_from"); q != "" {
		from, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid resume_from %q", q)
		}
		return &from, nil
	}
	return nil, nil
}

// writeMessageEvent emits one chat message as an SSE frame with the seq as
// the event id.
func writeMessageEvent(w http.ResponseWriter, msg chat.Message) error {
	data, err := protocol.Encode(protocol.NewMessageEvent(msg))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", protocol.EventMessage, msg.Seq, data)
	return err
}

// writeStreamError emits a terminal error frame.
func (s *Server) writeStreamError(w http.ResponseWriter, code, message string) {
	data, err := protocol.Encode(protocol.NewErrorEvent(code, message))
	if err != nil {
		log.Printf("[httpapi] encode error event: %v", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", protocol.EventError, data)
}

// writeGap emits the terminal gap frame for an overflowed subscriber.
func (s *Server) writeGap(w http.ResponseWriter, sub *chat.Subscriber) {
	data, err := protocol.Encode(protocol.NewGapEvent(sub.Cursor()))
	if err != nil {
		log.Printf("[httpapi] encode gap event: %v", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", protocol.EventGap, data)
}
