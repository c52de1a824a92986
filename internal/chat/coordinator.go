package chat

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/chirpy/chat-backend/internal/auth"
	"github.com/chirpy/chat-backend/internal/metrics"
)

// SystemAuthorID is the author recorded on server-generated messages
// (invites, membership notices).
const SystemAuthorID = "system"

// ErrUnauthorized means the caller's identity is missing, expired, or not
// allowed to perform the operation.
var ErrUnauthorized = errors.New("chat: unauthorized")

// MessageSink receives every appended message, in seq order, after local
// fan-out. Sinks must not block; slow external delivery belongs behind a
// buffer owned by the sink.
type MessageSink interface {
	SinkMessage(msg Message)
}

// Screen inspects a message body before it is appended. A non-nil error
// rejects the post.
type Screen func(body string) error

// Config holds coordinator tuning.
type Config struct {
	Retention  int           // replay window per session
	QueueCap   int           // per-subscriber queue capacity
	DrainGrace time.Duration // backlog lifetime for draining subscribers
	IdleWindow time.Duration // idle session retention before sweep
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Retention:  DefaultRetention,
		QueueCap:   DefaultQueueCap,
		DrainGrace: DefaultDrainGrace,
		IdleWindow: DefaultIdleWindow,
	}
}

// Coordinator is the public API surface of the broadcast engine: session
// lifecycle, membership, posting, and subscriptions. All session mutation
// flows through it.
type Coordinator struct {
	config   Config
	registry *Registry
	sinks    []MessageSink
	screen   Screen
	now      func() time.Time
}

// NewCoordinator creates a Coordinator over an empty session registry.
func NewCoordinator(config Config) *Coordinator {
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	if config.QueueCap <= 0 {
		config.QueueCap = DefaultQueueCap
	}
	if config.DrainGrace <= 0 {
		config.DrainGrace = DefaultDrainGrace
	}
	if config.IdleWindow <= 0 {
		config.IdleWindow = DefaultIdleWindow
	}
	return &Coordinator{
		config:   config,
		registry: NewRegistry(),
		now:      time.Now,
	}
}

// AddSink registers a sink that mirrors every appended message. Must be
// called during setup, before traffic.
func (c *Coordinator) AddSink(sink MessageSink) {
	c.sinks = append(c.sinks, sink)
}

// SetScreen installs a content screen applied to every posted body. Must be
// called during setup, before traffic.
func (c *Coordinator) SetScreen(screen Screen) {
	c.screen = screen
}

// Registry exposes the session registry, e.g. for the idle sweeper.
func (c *Coordinator) Registry() *Registry { return c.registry }

// checkIdentity rejects empty or expired identities.
func (c *Coordinator) checkIdentity(ident auth.GuestIdentity) error {
	if ident.ID == "" {
		return ErrUnauthorized
	}
	if !ident.ExpiresAt.IsZero() && ident.Expired(c.now()) {
		return fmt.Errorf("%w: %s", ErrUnauthorized, auth.ErrTokenExpired)
	}
	return nil
}

// CreateSession allocates a new session with the caller as its first member.
func (c *Coordinator) CreateSession(ident auth.GuestIdentity) (SessionInfo, error) {
	if err := c.checkIdentity(ident); err != nil {
		return SessionInfo{}, err
	}

	now := c.now()
	s := &Session{
		ID:         shortID(),
		CreatedAt:  now,
		members:    map[string]struct{}{ident.ID: {}},
		log:        NewLog(c.config.Retention),
		hub:        NewHub(c.config.QueueCap, c.config.DrainGrace),
		lastActive: now,
	}
	c.registry.add(s)
	metrics.SessionsCreated.Inc()
	metrics.ActiveSessions.Set(float64(c.registry.Len()))

	log.Printf("chat: session created id=%s creator=%s", s.ID, ident.ID)
	return s.Info(), nil
}

// JoinSession adds the caller to the session's member set. Re-joining is a
// no-op success.
func (c *Coordinator) JoinSession(ident auth.GuestIdentity, sessionID string) error {
	if err := c.checkIdentity(ident); err != nil {
		return err
	}
	s, ok := c.registry.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	_, already := s.members[ident.ID]
	s.members[ident.ID] = struct{}{}
	s.touch(c.now())
	s.mu.Unlock()

	if !already {
		log.Printf("chat: session=%s member joined id=%s", sessionID, ident.ID)
	}
	return nil
}

// Invite adds userID to the session on behalf of an existing member and
// posts a system message announcing it. The inviter must be a member.
func (c *Coordinator) Invite(ident auth.GuestIdentity, sessionID, userID, userName string) (Message, error) {
	if err := c.checkIdentity(ident); err != nil {
		return Message{}, err
	}
	s, ok := c.registry.get(sessionID)
	if !ok {
		return Message{}, ErrSessionNotFound
	}

	s.mu.Lock()
	if !s.isMember(ident.ID) {
		s.mu.Unlock()
		return Message{}, ErrNotMember
	}
	s.members[userID] = struct{}{}
	body := fmt.Sprintf("%s was invited to the chat by %s.", userName, ident.Name)
	msg := c.appendLocked(s, SystemAuthorID, body)
	s.mu.Unlock()

	return msg, nil
}

// GetSession returns a snapshot of the session's public state.
func (c *Coordinator) GetSession(sessionID string) (SessionInfo, error) {
	s, ok := c.registry.get(sessionID)
	if !ok {
		return SessionInfo{}, ErrSessionNotFound
	}
	return s.Info(), nil
}

// SessionsFor returns every session the identity is a member of.
func (c *Coordinator) SessionsFor(ident auth.GuestIdentity) []SessionInfo {
	var out []SessionInfo
	for _, s := range c.registry.all() {
		s.mu.Lock()
		member := s.isMember(ident.ID)
		s.mu.Unlock()
		if member {
			out = append(out, s.Info())
		}
	}
	return out
}

// PostMessage validates, screens, appends, and fans out a message. Posting
// requires membership. Append and publish happen under the session lock so
// that sequence assignment is race-free and publish order matches seq order.
func (c *Coordinator) PostMessage(ident auth.GuestIdentity, sessionID, body string) (Message, error) {
	if err := c.checkIdentity(ident); err != nil {
		return Message{}, err
	}
	if err := ValidateMessage(body); err != nil {
		return Message{}, err
	}
	if c.screen != nil {
		if err := c.screen(body); err != nil {
			metrics.MessagesBlocked.Inc()
			return Message{}, fmt.Errorf("%w: %s", ErrBlocked, err)
		}
	}

	s, ok := c.registry.get(sessionID)
	if !ok {
		return Message{}, ErrSessionNotFound
	}

	s.mu.Lock()
	if !s.isMember(ident.ID) {
		s.mu.Unlock()
		return Message{}, ErrNotMember
	}
	msg := c.appendLocked(s, ident.ID, body)
	s.mu.Unlock()

	return msg, nil
}

// PostSystem appends a server-generated message to a session, bypassing
// membership checks.
func (c *Coordinator) PostSystem(sessionID, body string) (Message, error) {
	s, ok := c.registry.get(sessionID)
	if !ok {
		return Message{}, ErrSessionNotFound
	}

	s.mu.Lock()
	msg := c.appendLocked(s, SystemAuthorID, body)
	s.mu.Unlock()
	return msg, nil
}

// appendLocked appends and fans out one message. Caller holds s.mu, which
// serializes seq assignment and keeps publish order equal to seq order.
func (c *Coordinator) appendLocked(s *Session, authorID, body string) Message {
	now := c.now()
	msg := s.log.Append(s.ID, authorID, body, now)
	start := time.Now()
	delivered := s.hub.Publish(msg)
	metrics.PublishLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesPublished.Inc()
	metrics.MessagesDelivered.Add(float64(delivered))
	s.touch(now)

	for _, sink := range c.sinks {
		sink.SinkMessage(msg)
	}
	return msg
}

// Recent returns up to n of the most recent retained messages in seq order.
// Requires membership. Used for moderator snapshots attached to abuse
// reports.
func (c *Coordinator) Recent(ident auth.GuestIdentity, sessionID string, n int) ([]Message, error) {
	if err := c.checkIdentity(ident); err != nil {
		return nil, err
	}
	s, ok := c.registry.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isMember(ident.ID) {
		return nil, ErrNotMember
	}

	oldest, ok := s.log.OldestSeq()
	if !ok {
		return nil, nil
	}
	from := oldest
	next := s.log.NextSeq()
	if n > 0 && uint64(n) < next-oldest {
		from = next - uint64(n)
	}
	return s.log.ReplayFrom(from)
}

// Subscribe attaches a live subscriber to a session. With resume == nil the
// subscription starts at the current tail; otherwise retained messages with
// seq >= *resume are replayed into the queue first, so that the subscriber
// sees every message from its cursor onward exactly once. A resume point
// older than the retention window fails with ErrTooOld. Subscribing requires
// membership.
func (c *Coordinator) Subscribe(ident auth.GuestIdentity, sessionID string, resume *uint64) (*Subscriber, error) {
	if err := c.checkIdentity(ident); err != nil {
		return nil, err
	}
	s, ok := c.registry.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isMember(ident.ID) {
		return nil, ErrNotMember
	}

	var replay []Message
	cursor := int64(s.log.NextSeq()) - 1
	if resume != nil {
		var err error
		replay, err = s.log.ReplayFrom(*resume)
		if err != nil {
			return nil, err
		}
		cursor = int64(*resume) - 1
	}

	sub := s.hub.Subscribe(s.ID, cursor)
	for _, msg := range replay {
		select {
		case sub.ch <- msg:
		default:
			// Replay larger than the queue: the subscriber starts out
			// gapped and the client resumes from where delivery stopped.
			sub.markGap(msg.Seq, c.config.DrainGrace)
		}
		if sub.State() != StateActive {
			break
		}
	}
	s.touch(c.now())

	log.Printf("chat: session=%s subscriber attached id=%s cursor=%d replay=%d",
		sessionID, sub.ID, cursor, len(replay))
	return sub, nil
}

// Unsubscribe detaches a subscriber from its session. Safe to call on
// disconnect paths regardless of current state.
func (c *Coordinator) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	s, ok := c.registry.get(sub.SessionID)
	if !ok {
		return
	}
	s.hub.Unsubscribe(sub.ID)
}

// shortID returns the compact session identifier format used in URLs.
func shortID() string {
	return uuid.New().String()[:8]
}
