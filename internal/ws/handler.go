package ws

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/chirpy/chat-backend/internal/auth"
	"github.com/chirpy/chat-backend/internal/chat"
	"github.com/chirpy/chat-backend/internal/protocol"
)

// DefaultPingInterval is how often idle connections are pinged.
const DefaultPingInterval = 30 * time.Second

// Handler upgrades listen requests to WebSocket and pumps the subscriber's
// message stream into the socket. Authorization and resume semantics match
// the SSE adapter: the session id comes from the route's {id} segment, the
// token from the Authorization header or token query parameter, and an
// optional resume_from query parameter replays retained history.
type Handler struct {
	coord        *chat.Coordinator
	issuer       *auth.Issuer
	conns        *Manager
	pingInterval time.Duration
}

// NewHandler creates a WebSocket listen handler over the coordinator.
func NewHandler(coord *chat.Coordinator, issuer *auth.Issuer) *Handler {
	return &Handler{
		coord:        coord,
		issuer:       issuer,
		conns:        NewManager(),
		pingInterval: DefaultPingInterval,
	}
}

// Connections exposes the connection registry, e.g. for health reporting.
func (h *Handler) Connections() *Manager { return h.conns }

// CloseAll closes every live connection. Used on shutdown.
func (h *Handler) CloseAll() {
	for _, c := range h.conns.All() {
		_ = c.WriteClose(ws.StatusGoingAway, "server shutting down")
		h.conns.Remove(c.ID)
	}
}

// ServeHTTP authorizes the request, subscribes, then upgrades. Domain
// errors are rejected with plain HTTP statuses before the upgrade so
// clients get a meaningful response instead of a broken socket.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		token = r.URL.Query().Get("token")
	}
	ident, err := h.issuer.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	var resume *uint64
	if q := r.URL.Query().Get("resume_from"); q != "" {
		from, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			http.Error(w, "invalid resume_from", http.StatusBadRequest)
			return
		}
		resume = &from
	}

	sub, err := h.coord.Subscribe(ident, r.PathValue("id"), resume)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrSessionNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, chat.ErrNotMember):
			http.Error(w, err.Error(), http.StatusForbidden)
		case errors.Is(err, chat.ErrTooOld):
			http.Error(w, err.Error(), http.StatusGone)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.coord.Unsubscribe(sub)
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:        sub.ID,
		SessionID: sub.SessionID,
		Conn:      netConn,
		CreatedAt: time.Now(),
	}
	h.conns.Add(c)
	log.Printf("[ws] connected session=%s sub=%s (total=%d)", c.SessionID, c.ID, h.conns.Count())

	done := make(chan struct{})
	go h.readLoop(c, done)
	h.writeLoop(c, sub, done, ident.ExpiresAt)
}

// readLoop consumes client frames until the peer closes or errors. Control
// frames are handled inside wsutil; inbound text frames are ignored, since
// posting goes through the HTTP API. Closing done wakes the write loop.
func (h *Handler) readLoop(c *Connection, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := wsutil.ReadClientData(c.Conn); err != nil {
			return
		}
	}
}

// writeLoop pumps subscriber messages into the socket until the peer goes
// away, the hub detaches the subscriber, or the authorizing token expires.
func (h *Handler) writeLoop(c *Connection, sub *chat.Subscriber, done <-chan struct{}, expiresAt time.Time) {
	defer func() {
		h.coord.Unsubscribe(sub)
		if h.conns.Remove(c.ID) {
			log.Printf("[ws] disconnected session=%s sub=%s (total=%d)", c.SessionID, c.ID, h.conns.Count())
		}
	}()

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	expiry := time.NewTimer(time.Until(expiresAt))
	defer expiry.Stop()

	for {
		select {
		case <-done:
			return

		case <-expiry.C:
			if data, err := protocol.Encode(protocol.NewErrorEvent("token_expired", "token expired, request a new one and reconnect")); err == nil {
				_ = c.WriteMessage(data)
			}
			_ = c.WriteClose(ws.StatusPolicyViolation, "token expired")
			return

		case <-ping.C:
			if err := c.WritePing(); err != nil {
				return
			}

		case msg, ok := <-sub.C():
			if !ok {
				if sub.Gapped() {
					if data, err := protocol.Encode(protocol.NewGapEvent(sub.Cursor())); err == nil {
						_ = c.WriteMessage(data)
					}
				}
				_ = c.WriteClose(ws.StatusNormalClosure, "stream ended")
				return
			}
			data, err := protocol.Encode(protocol.NewMessageEvent(msg))
			if err != nil {
				log.Printf("[ws] encode seq=%d: %v", msg.Seq, err)
				continue
			}
			if err := c.WriteMessage(data); err != nil {
				return
			}
			sub.MarkDelivered(msg.Seq)
			ping.Reset(h.pingInterval)
		}
	}
}
