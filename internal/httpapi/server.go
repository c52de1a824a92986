// Package httpapi exposes the chat backend over HTTP: token grants, session
// management, message posting, and the SSE listen stream. It is a thin
// adapter over the chat coordinator; all authorization and ordering rules
// live below it.
package httpapi

import (
	"net/http"
	"time"

	"github.com/chirpy/chat-backend/internal/auth"
	"github.com/chirpy/chat-backend/internal/ban"
	"github.com/chirpy/chat-backend/internal/chat"
	"github.com/chirpy/chat-backend/internal/metrics"
	"github.com/chirpy/chat-backend/internal/ratelimit"
	"github.com/chirpy/chat-backend/internal/report"
	"github.com/chirpy/chat-backend/internal/users"
)

// Config holds HTTP adapter tuning.
type Config struct {
	KeepAlive    time.Duration // SSE keepalive comment interval
	SnapshotSize int           // messages attached to an abuse report
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		KeepAlive:    30 * time.Second,
		SnapshotSize: 20,
	}
}

// Server holds the handler dependencies. The limiter, ban store, and report
// store are optional; handlers degrade gracefully when they are absent.
type Server struct {
	coord  *chat.Coordinator
	issuer *auth.Issuer
	users  *users.Store
	config Config

	limiter *ratelimit.Limiter
	bans    *ban.Store
	reports *report.Store
	wsPush  http.Handler

	startedAt time.Time
}

// NewServer wires the HTTP adapter over the given coordinator, token
// issuer, and user registry.
func NewServer(coord *chat.Coordinator, issuer *auth.Issuer, userStore *users.Store, config Config) *Server {
	if config.KeepAlive <= 0 {
		config.KeepAlive = DefaultConfig().KeepAlive
	}
	if config.SnapshotSize <= 0 {
		config.SnapshotSize = DefaultConfig().SnapshotSize
	}
	return &Server{
		coord:     coord,
		issuer:    issuer,
		users:     userStore,
		config:    config,
		startedAt: time.Now(),
	}
}

// SetLimiter enables Redis-backed rate limiting. Must be called during
// setup, before traffic.
func (s *Server) SetLimiter(l *ratelimit.Limiter) { s.limiter = l }

// SetBans enables the ban check on posting and the auto-ban path on
// reports. Must be called during setup, before traffic.
func (s *Server) SetBans(b *ban.Store) { s.bans = b }

// SetReports enables persistent abuse reports. Must be called during
// setup, before traffic.
func (s *Server) SetReports(r *report.Store) { s.reports = r }

// SetWS mounts a WebSocket listen handler at GET /chat/{id}/ws. Must be
// called during setup, before traffic.
func (s *Server) SetWS(h http.Handler) { s.wsPush = h }

// Routes returns the handler for the full API surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /guest-token", s.handleGuestToken)
	mux.HandleFunc("POST /token", s.handleLogin)

	mux.HandleFunc("POST /chat", s.handleCreateChat)
	mux.HandleFunc("GET /chat/me", s.handleMe)
	mux.HandleFunc("GET /chat/me/sessions", s.handleMySessions)
	mux.HandleFunc("GET /chat/{id}", s.handleGetChat)
	mux.HandleFunc("POST /chat/{id}/join", s.handleJoin)
	mux.HandleFunc("POST /chat/{id}/invite", s.handleInvite)
	mux.HandleFunc("POST /chat/{id}/message", s.handlePostMessage)
	mux.HandleFunc("GET /chat/{id}/listen", s.handleListen)
	mux.HandleFunc("POST /chat/{id}/report", s.handleReport)
	if s.wsPush != nil {
		mux.Handle("GET /chat/{id}/ws", s.wsPush)
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}
