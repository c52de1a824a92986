// Package messaging provides a NATS client wrapper that mirrors the chat
// message stream onto the message bus. External consumers (analytics,
// archival, bridge services) subscribe to chat.message.<session_id>
// without touching the in-process broadcast hub.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chirpy/chat-backend/internal/chat"
)

// NATS subject patterns used by the chat backend.
const (
	SubjectMessage = "chat.message" // + .<session_id>
	SubjectSystem  = "chat.system"  // + .<session_id>
)

// Client wraps the NATS connection with helper methods for the chat
// subjects.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chirpy",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// SinkMessage implements chat.MessageSink. Every appended message is
// mirrored to chat.message.<session_id> as JSON. Publish failures are
// logged and dropped; the bus mirror is best effort and never blocks the
// in-process broadcast path.
func (c *Client) SinkMessage(msg chat.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[nats] marshal message seq=%d: %v", msg.Seq, err)
		return
	}
	subject := SubjectMessage + "." + msg.SessionID
	if err := c.conn.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s: %v", subject, err)
	}
}

// SubscribeMessages registers a handler for the message stream of one
// session, or for all sessions when sessionID is "*".
func (c *Client) SubscribeMessages(sessionID string, handler func(msg chat.Message)) error {
	subject := SubjectMessage + "." + sessionID
	sub, err := c.conn.Subscribe(subject, func(m *nats.Msg) {
		var msg chat.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.Printf("[nats] unmarshal on %s: %v", m.Subject, err)
			return
		}
		handler(msg)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes the subscription for one session's message stream.
func (c *Client) Unsubscribe(sessionID string) error {
	subject := SubjectMessage + "." + sessionID

	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
