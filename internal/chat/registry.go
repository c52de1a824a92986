package chat

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/chirpy/chat-backend/internal/metrics"
)

// DefaultIdleWindow is how long a session with zero subscribers may sit
// without activity before the sweeper garbage-collects it.
const DefaultIdleWindow = 2 * time.Hour

// Session is one chat session: its member set, message log, and fan-out hub.
// The mutex is the session's mutually-exclusive region: sequence assignment,
// publish ordering, and member-set mutation all happen under it. Sessions in
// different registries or with different ids are fully independent.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu         sync.Mutex
	members    map[string]struct{}
	log        *Log
	hub        *Hub
	lastActive time.Time
}

// SessionInfo is the read-only snapshot of a session returned to callers.
type SessionInfo struct {
	ID        string   `json:"id"`
	CreatedAt int64    `json:"created_at"`
	NextSeq   uint64   `json:"next_seq"`
	Members   []string `json:"members"`
}

func (s *Session) isMember(id string) bool {
	_, ok := s.members[id]
	return ok
}

func (s *Session) touch(now time.Time) {
	s.lastActive = now
}

// Info returns a consistent snapshot of the session's public state.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make([]string, 0, len(s.members))
	for id := range s.members {
		members = append(members, id)
	}
	sort.Strings(members)

	return SessionInfo{
		ID:        s.ID,
		CreatedAt: s.CreatedAt.Unix(),
		NextSeq:   s.log.NextSeq(),
		Members:   members,
	}
}

// Registry is the process-wide session store. It starts empty and is mutated
// only through the Coordinator API. It is goroutine-safe.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

func (r *Registry) get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	return s, ok
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.sessions)
	r.mu.RUnlock()
	return n
}

func (r *Registry) all() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	return out
}

// Sweep removes sessions that have had no activity for at least idleWindow
// and currently have zero subscribers. It returns the number of sessions
// collected.
func (r *Registry) Sweep(idleWindow time.Duration, now time.Time) int {
	collected := 0
	for _, s := range r.all() {
		s.mu.Lock()
		idle := now.Sub(s.lastActive) >= idleWindow && s.hub.Len() == 0
		s.mu.Unlock()

		if idle {
			r.remove(s.ID)
			s.hub.CloseAll()
			collected++
		}
	}
	if collected > 0 {
		metrics.ActiveSessions.Set(float64(r.Len()))
	}
	return collected
}

// RunSweeper periodically sweeps idle sessions until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval, idleWindow time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(idleWindow, time.Now()); n > 0 {
				log.Printf("chat: swept %d idle sessions (remaining=%d)", n, r.Len())
			}
		}
	}
}
