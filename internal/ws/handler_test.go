package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/chirpy/chat-backend/internal/auth"
	"github.com/chirpy/chat-backend/internal/chat"
	"github.com/chirpy/chat-backend/internal/protocol"
)

type testEnv struct {
	ts     *httptest.Server
	coord  *chat.Coordinator
	issuer *auth.Issuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	coord := chat.NewCoordinator(chat.DefaultConfig())
	issuer := auth.NewIssuer([]byte("test-secret"), time.Hour)
	h := NewHandler(coord, issuer)

	mux := http.NewServeMux()
	mux.Handle("GET /chat/{id}/ws", h)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, coord: coord, issuer: issuer}
}

// dial opens a WebSocket to the listen endpoint for the given session.
func (e *testEnv) dial(t *testing.T, sessionID, token, query string) *Connection {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") +
		"/chat/" + sessionID + "/ws?token=" + token + query

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if br != nil {
		// ws.Dial may read past the handshake; replay those buffered
		// frame bytes before reading from the socket.
		conn = &bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}
	}
	c := &Connection{Conn: conn}
	t.Cleanup(func() { c.Close() })
	return c
}

// bufferedConn is a net.Conn whose reads drain bytes ws.Dial buffered past
// the handshake before falling through to the socket.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// readMessageEvent reads frames until a message event arrives.
func readMessageEvent(t *testing.T, c *Connection) protocol.MessageEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.Conn.SetReadDeadline(time.Now().Add(time.Second))
		data, op, err := wsutil.ReadServerData(c.Conn)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if op != ws.OpText {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Type != protocol.EventMessage {
			continue
		}
		var ev protocol.MessageEvent
		if err := json.Unmarshal(env.Raw, &ev); err != nil {
			t.Fatalf("decode message event: %v", err)
		}
		return ev
	}
	t.Fatal("no message event before deadline")
	return protocol.MessageEvent{}
}

func TestListenReplay(t *testing.T) {
	e := newTestEnv(t)
	ident, token, err := e.issuer.IssueGuest()
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	sess, err := e.coord.CreateSession(ident)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := e.coord.PostMessage(ident, sess.ID, fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}

	c := e.dial(t, sess.ID, token, "&resume_from=1")
	for want := uint64(1); want <= 2; want++ {
		ev := readMessageEvent(t, c)
		if ev.Seq != want {
			t.Errorf("expected seq %d, got %d", want, ev.Seq)
		}
	}
}

func TestListenLiveDelivery(t *testing.T) {
	e := newTestEnv(t)
	ident, token, err := e.issuer.IssueGuest()
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	sess, err := e.coord.CreateSession(ident)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	c := e.dial(t, sess.ID, token, "")

	// Give the server goroutines a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)
	if _, err := e.coord.PostMessage(ident, sess.ID, "live one"); err != nil {
		t.Fatalf("post: %v", err)
	}

	ev := readMessageEvent(t, c)
	if ev.Body != "live one" {
		t.Errorf("expected body %q, got %q", "live one", ev.Body)
	}
	if ev.Seq != 0 {
		t.Errorf("expected seq 0, got %d", ev.Seq)
	}
}

func TestListenRejectsBadToken(t *testing.T) {
	e := newTestEnv(t)
	ident, _, err := e.issuer.IssueGuest()
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	sess, err := e.coord.CreateSession(ident)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/chat/" + sess.ID + "/ws?token=garbage"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, _, err := ws.Dial(ctx, url); err == nil {
		t.Fatal("expected dial to fail with an invalid token")
	}
}

func TestListenRejectsNonMember(t *testing.T) {
	e := newTestEnv(t)
	owner, _, _ := e.issuer.IssueGuest()
	_, outsiderToken, _ := e.issuer.IssueGuest()
	sess, err := e.coord.CreateSession(owner)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/chat/" + sess.ID + "/ws?token=" + outsiderToken
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, _, err := ws.Dial(ctx, url); err == nil {
		t.Fatal("expected dial to fail for a non-member")
	}
}
