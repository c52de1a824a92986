package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/chirpy/chat-backend/internal/auth"
	"github.com/chirpy/chat-backend/internal/chat"
	"github.com/chirpy/chat-backend/internal/metrics"
	"github.com/chirpy/chat-backend/internal/ratelimit"
	"github.com/chirpy/chat-backend/internal/report"
)

// identity extracts and verifies the caller's token. The usual carrier is
// the Authorization header; EventSource clients cannot set headers, so a
// token query parameter is accepted as a fallback on listen streams.
func (s *Server) identity(r *http.Request) (auth.GuestIdentity, error) {
	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		token = strings.TrimPrefix(h, "Bearer ")
	} else {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return auth.GuestIdentity{}, auth.ErrTokenInvalid
	}
	return s.issuer.Verify(token)
}

// allow applies a rate limit rule when a limiter is configured. Returns
// false after writing the 429 response.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, identifier string, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return true
	}
	ok, _ := s.limiter.Allow(r.Context(), identifier, rule)
	if !ok {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
	}
	return ok
}

// remoteHost strips the port from the request's remote address.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// tokenResponse is the body returned by both token grant endpoints.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	GuestID     string `json:"guest_id"`
	Name        string `json:"name"`
	ExpiresAt   int64  `json:"expires_at"`
}

// handleGuestToken mints an anonymous identity. No credentials needed.
func (s *Server) handleGuestToken(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, remoteHost(r), ratelimit.RuleToken) {
		return
	}

	ident, token, err := s.issuer.IssueGuest()
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.TokensIssued.WithLabelValues("guest").Inc()

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		GuestID:     ident.ID,
		Name:        ident.Name,
		ExpiresAt:   ident.ExpiresAt.Unix(),
	})
}

// handleLogin exchanges a username/password pair for a token carrying the
// registered user's identity.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, remoteHost(r), ratelimit.RuleToken) {
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	user, err := s.users.Authenticate(req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	ident, token, err := s.issuer.IssueFor(user.ID, user.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.TokensIssued.WithLabelValues("user").Inc()

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		GuestID:     ident.ID,
		Name:        ident.Name,
		ExpiresAt:   ident.ExpiresAt.Unix(),
	})
}

// handleCreateChat allocates a new session with the caller as first member.
func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	info, err := s.coord.CreateSession(ident)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// handleGetChat returns the session snapshot.
func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identity(r); err != nil {
		writeError(w, err)
		return
	}

	info, err := s.coord.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleJoin adds the caller to the session's member set.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.coord.JoinSession(ident, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	info, err := s.coord.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleInvite adds a registered user to the session on behalf of a member
// and posts the system announcement.
func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeBody(r, &req); err != nil || req.UserID == "" {
		badRequest(w, "user_id is required")
		return
	}

	name := req.UserID
	if user, err := s.users.Get(req.UserID); err == nil {
		name = user.Username
	}

	msg, err := s.coord.Invite(ident, r.PathValue("id"), req.UserID, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// handlePostMessage appends a message to the session log and fans it out.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.allow(w, r, ident.ID, ratelimit.RulePost) {
		return
	}
	if s.bans != nil {
		banned, remaining, reason, _ := s.bans.IsBanned(r.Context(), ident.ID)
		if banned {
			writeJSON(w, http.StatusForbidden, struct {
				Error            string `json:"error"`
				Reason           string `json:"reason"`
				RemainingSeconds int    `json:"remaining_seconds"`
			}{"banned", reason, remaining})
			return
		}
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	msg, err := s.coord.PostMessage(ident, r.PathValue("id"), req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// handleMe echoes the verified identity back to the caller.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		GuestID   string `json:"guest_id"`
		Name      string `json:"name"`
		IssuedAt  int64  `json:"issued_at"`
		ExpiresAt int64  `json:"expires_at"`
	}{ident.ID, ident.Name, ident.IssuedAt.Unix(), ident.ExpiresAt.Unix()})
}

// handleMySessions lists every session the caller is a member of.
func (s *Server) handleMySessions(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sessions := s.coord.SessionsFor(ident)
	if sessions == nil {
		sessions = []chat.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, struct {
		Sessions []chat.SessionInfo `json:"sessions"`
	}{sessions})
}

// handleReport files an abuse report with a snapshot of recent messages
// and, when the ban store is wired, feeds the auto-ban counter.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		ReportedID string `json:"reported_id"`
		Seq        uint64 `json:"seq"`
		Reason     string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil || req.ReportedID == "" {
		badRequest(w, "reported_id and reason are required")
		return
	}
	if !report.ValidReason(req.Reason) {
		badRequest(w, "invalid reason")
		return
	}
	if s.reports == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "report storage unavailable"})
		return
	}

	snapshot, err := s.coord.Recent(ident, r.PathValue("id"), s.config.SnapshotSize)
	if err != nil {
		writeError(w, err)
		return
	}
	entries := make([]report.MessageEntry, 0, len(snapshot))
	for _, m := range snapshot {
		entries = append(entries, report.MessageEntry{
			AuthorID: m.AuthorID,
			Seq:      m.Seq,
			Body:     m.Body,
			Ts:       m.Ts,
		})
	}

	rec := &report.Report{
		ReporterID: ident.ID,
		ReportedID: req.ReportedID,
		SessionID:  r.PathValue("id"),
		Seq:        req.Seq,
		Reason:     req.Reason,
		Messages:   entries,
	}
	if err := s.reports.Create(r.Context(), rec); err != nil {
		writeError(w, err)
		return
	}

	autoBanned := false
	if s.bans != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		autoBanned, _, _ = s.bans.ReportAndCheck(ctx, req.ReportedID, req.Reason)
	}

	writeJSON(w, http.StatusCreated, struct {
		Status     string `json:"status"`
		AutoBanned bool   `json:"auto_banned"`
	}{"reported", autoBanned})
}

// handleHealth reports liveness plus basic counters.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
		Uptime   string `json:"uptime"`
	}{
		Status:   "ok",
		Sessions: s.coord.Registry().Len(),
		Uptime:   time.Since(s.startedAt).Round(time.Second).String(),
	})
}
