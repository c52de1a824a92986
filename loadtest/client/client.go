// Package client provides a reusable load test client for the chat backend.
// Each Client models one guest: it acquires a token over HTTP, creates or
// joins sessions, posts messages over HTTP, and listens on the WebSocket
// stream using gobwas/ws (the same library the server uses).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Server -> client event types on the listen stream.
const (
	EventMessage = "message"
	EventGap     = "gap"
	EventError   = "error"
)

// MessageEvent mirrors the server's wire event for one chat message.
type MessageEvent struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq"`
	SessionID string `json:"session_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	Ts        int64  `json:"ts"`
}

// GapEvent mirrors the server's overflow notification.
type GapEvent struct {
	Type       string `json:"type"`
	LastSeq    int64  `json:"last_seq"`
	ResumeFrom uint64 `json:"resume_from"`
}

// Metrics tracks per-client performance data.
type Metrics struct {
	TokenLatency   time.Duration
	ListenLatency  time.Duration
	EventsReceived int
	MessagesPosted int
	Gaps           int
	Errors         int
}

// Client is a single simulated guest. HTTP calls share one http.Client; the
// listen stream is a separate WebSocket connection managed by Listen.
type Client struct {
	baseURL string
	http    *http.Client

	token   string
	guestID string

	mu      sync.Mutex
	metrics Metrics
}

// New creates a client and immediately requests a guest token from
// POST /guest-token. baseURL is the server's HTTP root, e.g.
// "http://localhost:8080".
func New(ctx context.Context, baseURL string) (*Client, error) {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}

	start := time.Now()
	var resp struct {
		AccessToken string `json:"access_token"`
		GuestID     string `json:"guest_id"`
	}
	if err := c.post(ctx, "/guest-token", nil, &resp); err != nil {
		return nil, fmt.Errorf("guest token: %w", err)
	}
	c.token = resp.AccessToken
	c.guestID = resp.GuestID
	c.metrics.TokenLatency = time.Since(start)

	return c, nil
}

// GuestID returns the identity the server assigned to this client.
func (c *Client) GuestID() string {
	return c.guestID
}

// Token returns the raw bearer token, for callers that need to issue
// requests outside this client.
func (c *Client) Token() string {
	return c.token
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// CreateSession creates a new chat session with this client as the first
// member and returns the session id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/chat", nil, &resp); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return resp.ID, nil
}

// Join adds this client to an existing session.
func (c *Client) Join(ctx context.Context, sessionID string) error {
	if err := c.post(ctx, "/chat/"+sessionID+"/join", nil, nil); err != nil {
		return fmt.Errorf("join %s: %w", sessionID, err)
	}
	return nil
}

// Post appends a message to the session and returns its assigned sequence
// number.
func (c *Client) Post(ctx context.Context, sessionID, body string) (uint64, error) {
	var resp struct {
		Seq uint64 `json:"seq"`
	}
	req := map[string]string{"message": body}
	if err := c.post(ctx, "/chat/"+sessionID+"/message", req, &resp); err != nil {
		c.addError()
		return 0, fmt.Errorf("post to %s: %w", sessionID, err)
	}
	c.mu.Lock()
	c.metrics.MessagesPosted++
	c.mu.Unlock()
	return resp.Seq, nil
}

// post is the shared HTTP helper. A nil body sends an empty request; a nil
// out discards the response body.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ---------------------------------------------------------------------------
// Listen stream
// ---------------------------------------------------------------------------

// Stream is one WebSocket listen connection. Incoming events are dispatched
// to handlers registered with On; the read loop runs until the connection
// closes.
type Stream struct {
	client    *Client
	conn      net.Conn
	handlers  map[string]func(json.RawMessage)
	quit      chan struct{} // closed by Close
	done      chan struct{} // closed when the read loop exits
	closeOnce sync.Once
}

// Handler binds an event type to a callback for registration at Listen time.
type Handler struct {
	Type string
	Fn   func(json.RawMessage)
}

// Listen opens the WebSocket listen stream for a session. resumeFrom < 0
// subscribes at the live tail; otherwise delivery starts at that sequence.
// Handlers passed here are registered before the read loop starts, so replay
// events cannot be missed; On may still be used afterwards as long as events
// of the registered type cannot have arrived yet.
func (c *Client) Listen(ctx context.Context, sessionID string, resumeFrom int64, handlers ...Handler) (*Stream, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http")
	u := fmt.Sprintf("%s/chat/%s/ws?token=%s", wsURL, sessionID, url.QueryEscape(c.token))
	if resumeFrom >= 0 {
		u = fmt.Sprintf("%s&resume_from=%d", u, resumeFrom)
	}

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u)
	if err != nil {
		c.addError()
		return nil, fmt.Errorf("listen dial: %w", err)
	}
	c.mu.Lock()
	c.metrics.ListenLatency = time.Since(start)
	c.mu.Unlock()

	s := &Stream{
		client:   c,
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, h := range handlers {
		s.handlers[h.Type] = h.Fn
	}
	go s.readLoop()
	return s, nil
}

// On registers a handler for a server event type. Handlers run on the read
// loop goroutine and should not block. Registering a second handler for the
// same type replaces the first.
func (s *Stream) On(eventType string, handler func(json.RawMessage)) {
	s.handlers[eventType] = handler
}

// Done is closed when the stream's read loop exits.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close closes the stream. It is safe to call multiple times.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		err = s.conn.Close()
	})
	return err
}

// readLoop reads server frames and dispatches them by event type until the
// connection closes.
func (s *Stream) readLoop() {
	defer close(s.done)

	for {
		data, err := wsutil.ReadServerText(s.conn)
		if err != nil {
			// A read failure after Close() or a clean server close frame
			// is expected; anything else counts as an error.
			if _, ok := err.(wsutil.ClosedError); !ok {
				select {
				case <-s.quit:
				default:
					s.client.addError()
				}
			}
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		s.client.mu.Lock()
		s.client.metrics.EventsReceived++
		if envelope.Type == EventGap {
			s.client.metrics.Gaps++
		}
		s.client.mu.Unlock()

		if handler, ok := s.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}

func (c *Client) addError() {
	c.mu.Lock()
	c.metrics.Errors++
	c.mu.Unlock()
}
