package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chirpy/chat-backend/internal/metrics"
)

// Subscriber delivery states.
const (
	StateActive   int32 = iota // receiving every published message
	StateDraining              // queue overflowed; consuming the backlog, no new pushes
	StateClosed                // detached from the hub
)

// Default hub tuning.
const (
	DefaultQueueCap   = 128              // per-subscriber outbound queue capacity
	DefaultDrainGrace = 30 * time.Second // how long a DRAINING subscriber may keep its backlog
)

// Subscriber is one live listener attached to a session's hub. Messages are
// consumed from C(); the channel closes when the subscriber is detached,
// either cleanly (unsubscribe) or because its queue overflowed. After the
// channel closes, Gapped reports whether messages were missed; Cursor is the
// resume point for a reconnect.
type Subscriber struct {
	ID        string
	SessionID string

	ch        chan Message
	state     atomic.Int32
	cursor    atomic.Int64 // last delivered seq, -1 before the first delivery
	gapAt     atomic.Uint64
	deadline  atomic.Int64 // unix nanos after which a DRAINING subscriber is evicted
	closeOnce sync.Once
}

// C returns the subscriber's outbound message channel. The hub is the only
// writer; the channel closes exactly once.
func (s *Subscriber) C() <-chan Message { return s.ch }

// State returns the subscriber's current delivery state.
func (s *Subscriber) State() int32 { return s.state.Load() }

// Cursor returns the last sequence number the consumer acknowledged via
// MarkDelivered, or -1 if nothing has been delivered yet.
func (s *Subscriber) Cursor() int64 { return s.cursor.Load() }

// Gapped reports whether the subscriber missed at least one message due to
// backpressure. GapAt returns the first missed sequence number.
func (s *Subscriber) Gapped() bool { return s.state.Load() != StateActive && s.gapAt.Load() > 0 }

// GapAt returns the first sequence number dropped for this subscriber. Only
// meaningful when Gapped reports true.
func (s *Subscriber) GapAt() uint64 { return s.gapAt.Load() - 1 }

// MarkDelivered records that the consumer has handed seq to its client. When
// a draining subscriber finishes its backlog (everything before the gap has
// been delivered), the channel is closed immediately so the consumer learns
// of the gap without waiting for the drain grace to elapse.
func (s *Subscriber) MarkDelivered(seq uint64) {
	s.cursor.Store(int64(seq))
	if s.state.Load() == StateDraining && s.gapAt.Load() == seq+2 {
		s.closeOnce.Do(func() { close(s.ch) })
	}
}

// markGap transitions an active subscriber to DRAINING, recording the first
// missed sequence number. gapAt stores seq+1 so that a zero value means "no
// gap". Called with the hub's read lock held; publishes are serialized per
// session, so there is no concurrent send.
func (s *Subscriber) markGap(seq uint64, grace time.Duration) {
	if !s.state.CompareAndSwap(StateActive, StateDraining) {
		return
	}
	s.gapAt.Store(seq + 1)
	s.deadline.Store(time.Now().Add(grace).UnixNano())
}

// Hub is the per-session fan-out engine. It maintains the set of live
// subscribers and pushes every published message to each active one without
// blocking the publisher. Slow subscribers degrade per the backpressure
// policy in markGap; dead ones are evicted.
//
// Publish calls for one hub must be externally serialized in seq order (the
// coordinator publishes under the session lock). Subscribe and Unsubscribe
// may be called concurrently from any goroutine.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]*Subscriber
	queueCap   int
	drainGrace time.Duration
}

// NewHub creates an empty hub. Non-positive arguments fall back to
// DefaultQueueCap and DefaultDrainGrace.
func NewHub(queueCap int, drainGrace time.Duration) *Hub {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	if drainGrace <= 0 {
		drainGrace = DefaultDrainGrace
	}
	return &Hub{
		subs:       make(map[string]*Subscriber),
		queueCap:   queueCap,
		drainGrace: drainGrace,
	}
}

// Subscribe attaches a new subscriber with a fresh connection id and a
// bounded outbound queue. The caller is responsible for synchronizing the
// attach against publishes (the coordinator holds the session lock) so the
// subscriber sees every message from its cursor onward exactly once.
func (h *Hub) Subscribe(sessionID string, cursor int64) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ch:        make(chan Message, h.queueCap),
	}
	sub.cursor.Store(cursor)

	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	metrics.ActiveSubscribers.Inc()
	return sub
}

// Unsubscribe detaches a subscriber and closes its channel. It is a no-op
// for unknown ids, so disconnect paths may call it unconditionally.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	// Closing under the write lock excludes a concurrent Publish send.
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		sub.state.Store(StateClosed)
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
	h.mu.Unlock()

	if ok {
		metrics.ActiveSubscribers.Dec()
	}
}

// Publish enqueues msg to every active subscriber without blocking. A full
// queue transitions that subscriber to DRAINING and the message is dropped
// for it; other subscribers are unaffected. Draining subscribers whose grace
// has elapsed are evicted in the same pass. Returns the number of
// subscribers the message was enqueued for.
func (h *Hub) Publish(msg Message) int {
	h.mu.RLock()
	delivered := 0
	var expired []*Subscriber
	for _, sub := range h.subs {
		switch sub.state.Load() {
		case StateActive:
			select {
			case sub.ch <- msg:
				delivered++
			default:
				sub.markGap(msg.Seq, h.drainGrace)
				metrics.MessagesDropped.Inc()
			}
		case StateDraining:
			metrics.MessagesDropped.Inc()
			if time.Now().UnixNano() > sub.deadline.Load() {
				expired = append(expired, sub)
			}
		}
	}
	h.mu.RUnlock()

	for _, sub := range expired {
		h.Unsubscribe(sub.ID)
		metrics.SubscribersEvicted.Inc()
	}
	return delivered
}

// Len returns the number of attached subscribers, including draining ones.
func (h *Hub) Len() int {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return n
}

// CloseAll detaches every subscriber. Used when a session is destroyed.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	n := len(h.subs)
	for _, sub := range h.subs {
		sub.state.Store(StateClosed)
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()

	metrics.ActiveSubscribers.Sub(float64(n))
}
