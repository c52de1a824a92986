package chat

import (
	"sync"
	"time"
)

// DefaultRetention is the number of recent messages a session log keeps for
// replay. Sequence numbers keep growing past the window; only the replay
// history is bounded.
const DefaultRetention = 1000

// Log is the bounded, append-only message history of one session. It assigns
// gapless strictly increasing sequence numbers starting at 0 and retains the
// last retention messages in a ring buffer for replay. It is goroutine-safe.
type Log struct {
	mu        sync.RWMutex
	items     []Message
	pos       int
	count     int
	nextSeq   uint64
	retention int
}

// NewLog creates an empty log retaining the given number of messages. A
// non-positive retention falls back to DefaultRetention.
func NewLog(retention int) *Log {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Log{
		items:     make([]Message, retention),
		retention: retention,
	}
}

// Append assigns the next sequence number to a new message and stores it,
// overwriting the oldest retained message when the ring is full. Sequence
// assignment is atomic with respect to other appends on the same log.
func (l *Log) Append(sessionID, authorID, body string, now time.Time) Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := Message{
		Seq:       l.nextSeq,
		SessionID: sessionID,
		AuthorID:  authorID,
		Body:      body,
		Ts:        now.UnixMilli(),
	}
	l.nextSeq++

	l.items[l.pos] = msg
	l.pos = (l.pos + 1) % l.retention
	if l.count < l.retention {
		l.count++
	}
	return msg
}

// NextSeq returns the sequence number the next appended message will get.
// This is also the live-subscription starting point: a subscriber attached
// "at the tail" wants every message with seq >= NextSeq().
func (l *Log) NextSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextSeq
}

// OldestSeq returns the sequence number of the oldest retained message. The
// second return value is false when the log is empty.
func (l *Log) OldestSeq() (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.count == 0 {
		return 0, false
	}
	return l.nextSeq - uint64(l.count), true
}

// ReplayFrom returns the retained messages with seq >= from in order. It
// returns ErrTooOld when from predates the retained window, because the gap
// between from and the oldest retained message cannot be reconstructed.
// Asking for the tail (from >= NextSeq) yields an empty replay.
func (l *Log) ReplayFrom(from uint64) ([]Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.count == 0 || from >= l.nextSeq {
		return []Message{}, nil
	}

	oldest := l.nextSeq - uint64(l.count)
	if from < oldest {
		return nil, ErrTooOld
	}

	n := int(l.nextSeq - from)
	result := make([]Message, n)
	start := (l.pos - l.count + int(from-oldest) + 2*l.retention) % l.retention
	for i := 0; i < n; i++ {
		result[i] = l.items[(start+i)%l.retention]
	}
	return result, nil
}

// Len returns the number of retained messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
