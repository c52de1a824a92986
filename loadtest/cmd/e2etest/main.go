// Package main implements a standalone end-to-end integration test for the
// chat backend. It validates the full guest journey against a running server:
// health checks, token grants, session lifecycle, listen replay and resume,
// membership enforcement, rate limiting, and content filtering.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chirpy/chat-backend/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Server base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Chat Backend E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *baseURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *baseURL))
	results = append(results, scenario2TokenGrant(ctx, *baseURL))
	results = append(results, scenario3SessionLifecycle(ctx, *baseURL))
	results = append(results, scenario4ListenResume(ctx, *baseURL))
	results = append(results, scenario5Membership(ctx, *baseURL))

	// Rate limiting needs Redis behind the server; non-fatal when absent.
	results = append(results, scenario6RateLimiting(ctx, *baseURL))
	results = append(results, scenario7ContentFiltering(ctx, *baseURL))

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, baseURL string) scenarioResult {
	name := "Scenario 1: Health Check"

	// 1a. /health with a sessions count.
	body, err := httpGetBody(ctx, baseURL+"/health")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}
	var healthResp struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	if err := json.Unmarshal(body, &healthResp); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health JSON parse: %v", err)}
	}
	if healthResp.Status != "ok" {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health status=%q", healthResp.Status)}
	}

	// 1b. /metrics with the Prometheus exposition.
	metricsBody, err := httpGetBody(ctx, baseURL+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "chirpy_active_sessions") {
		return scenarioResult{name, resultFail, "/metrics: missing chirpy_active_sessions"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("sessions=%d", healthResp.Sessions)}
}

// ---------------------------------------------------------------------------
// Scenario 2: Token Grant and Identity
// ---------------------------------------------------------------------------

func scenario2TokenGrant(ctx context.Context, baseURL string) scenarioResult {
	name := "Scenario 2: Token Grant and Identity"

	c, err := client.New(ctx, baseURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("guest token: %v", err)}
	}
	if c.GuestID() == "" {
		return scenarioResult{name, resultFail, "empty guest_id"}
	}

	// The token must round-trip through /chat/me.
	body, err := httpGetAuthed(ctx, baseURL+"/chat/me", c.Token())
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/chat/me: %v", err)}
	}
	var meResp struct {
		GuestID string `json:"guest_id"`
	}
	if err := json.Unmarshal(body, &meResp); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/chat/me JSON parse: %v", err)}
	}
	if meResp.GuestID != c.GuestID() {
		return scenarioResult{name, resultFail,
			fmt.Sprintf("identity mismatch: token=%s me=%s", truncateID(c.GuestID()), truncateID(meResp.GuestID))}
	}

	// A garbage token must be rejected.
	if _, err := httpGetAuthed(ctx, baseURL+"/chat/me", "not-a-token"); err == nil {
		return scenarioResult{name, resultFail, "garbage token accepted"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("guest=%s", truncateID(c.GuestID()))}
}

// ---------------------------------------------------------------------------
// Scenario 3: Session Lifecycle
// ---------------------------------------------------------------------------

func scenario3SessionLifecycle(ctx context.Context, baseURL string) scenarioResult {
	name := "Scenario 3: Session Lifecycle"

	a, err := client.New(ctx, baseURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A: %v", err)}
	}
	b, err := client.New(ctx, baseURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B: %v", err)}
	}

	sessionID, err := a.CreateSession(ctx)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("create: %v", err)}
	}
	if err := b.Join(ctx, sessionID); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("join: %v", err)}
	}

	// Sequence numbers must be assigned in order starting from zero,
	// regardless of author.
	for i := 0; i < 3; i++ {
		seq, err := a.Post(ctx, sessionID, fmt.Sprintf("hello %d", i))
		if err != nil {
			return scenarioResult{name, resultFail, fmt.Sprintf("post %d: %v", i, err)}
		}
		if seq != uint64(i) {
			return scenarioResult{name, resultFail, fmt.Sprintf("post %d got seq %d", i, seq)}
		}
	}
	seq, err := b.Post(ctx, sessionID, "hello from B")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("B post: %v", err)}
	}
	if seq != 3 {
		return scenarioResult{name, resultFail, fmt.Sprintf("B post got seq %d, want 3", seq)}
	}

	// An empty message must be rejected without consuming a sequence.
	if _, err := a.Post(ctx, sessionID, ""); err == nil {
		return scenarioResult{name, resultFail, "empty message accepted"}
	}
	if seq, err := a.Post(ctx, sessionID, "after reject"); err != nil || seq != 4 {
		return scenarioResult{name, resultFail, fmt.Sprintf("post after reject: seq=%d err=%v", seq, err)}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("session=%s seqs 0-4", sessionID)}
}

// ---------------------------------------------------------------------------
// Scenario 4: Listen Replay and Resume
// ---------------------------------------------------------------------------

func scenario4ListenResume(ctx context.Context, baseURL string) scenarioResult {
	name := "Scenario 4: Listen Replay and Resume"

	a, err := client.New(ctx, baseURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client: %v", err)}
	}
	sessionID, err := a.CreateSession(ctx)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("create: %v", err)}
	}

	for i := 0; i < 3; i++ {
		if _, err := a.Post(ctx, sessionID, fmt.Sprintf("replay %d", i)); err != nil {
			return scenarioResult{name, resultFail, fmt.Sprintf("post %d: %v", i, err)}
		}
	}

	// Full replay from sequence zero.
	seqs, err := collectSeqs(ctx, a, sessionID, 0, 3)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("replay from 0: %v", err)}
	}
	if seqs[0] != 0 || seqs[1] != 1 || seqs[2] != 2 {
		return scenarioResult{name, resultFail, fmt.Sprintf("replay from 0 got %v", seqs)}
	}

	// Partial replay from the middle.
	seqs, err = collectSeqs(ctx, a, sessionID, 2, 1)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("resume from 2: %v", err)}
	}
	if seqs[0] != 2 {
		return scenarioResult{name, resultFail, fmt.Sprintf("resume from 2 got %v", seqs)}
	}

	// Live delivery: subscribe at the tail, then post.
	stream, err := a.Listen(ctx, sessionID, -1)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("tail listen: %v", err)}
	}
	defer stream.Close()

	got := make(chan uint64, 1)
	stream.On(client.EventMessage, func(raw json.RawMessage) {
		var ev client.MessageEvent
		if json.Unmarshal(raw, &ev) == nil {
			select {
			case got <- ev.Seq:
			default:
			}
		}
	})

	if _, err := a.Post(ctx, sessionID, "live"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("live post: %v", err)}
	}

	liveCtx, liveCancel := context.WithTimeout(ctx, 5*time.Second)
	defer liveCancel()
	select {
	case seq := <-got:
		if seq != 3 {
			return scenarioResult{name, resultFail, fmt.Sprintf("live delivery got seq %d, want 3", seq)}
		}
	case <-liveCtx.Done():
		return scenarioResult{name, resultFail, "timeout waiting for live delivery"}
	}

	return scenarioResult{name, resultPass, "replay, resume, and live delivery"}
}

// ---------------------------------------------------------------------------
// Scenario 5: Membership Enforcement
// ---------------------------------------------------------------------------

func scenario5Membership(ctx context.Context, baseURL string) scenarioResult {
	name := "Scenario 5: Membership Enforcement"

	owner, err := client.New(ctx, baseURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("owner: %v", err)}
	}
	outsider, err := client.New(ctx, baseURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("outsider: %v", err)}
	}

	sessionID, err := owner.CreateSession(ctx)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("create: %v", err)}
	}

	// A non-member must not be able to post or listen.
	if _, err := outsider.Post(ctx, sessionID, "should fail"); err == nil {
		return scenarioResult{name, resultFail, "non-member post accepted"}
	}
	listenCtx, listenCancel := context.WithTimeout(ctx, 5*time.Second)
	defer listenCancel()
	if stream, err := outsider.Listen(listenCtx, sessionID, -1); err == nil {
		stream.Close()
		return scenarioResult{name, resultFail, "non-member listen accepted"}
	}

	// After joining, both succeed.
	if err := outsider.Join(ctx, sessionID); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("join: %v", err)}
	}
	if _, err := outsider.Post(ctx, sessionID, "now a member"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("member post: %v", err)}
	}

	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenario 6: Rate Limiting (optional)
// ---------------------------------------------------------------------------

func scenario6RateLimiting(ctx context.Context, baseURL string) scenarioResult {
	name := "Scenario 6: Rate Limiting"

	c, err := client.New(ctx, baseURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client: %v", err)}
	}
	sessionID, err := c.CreateSession(ctx)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("create: %v", err)}
	}

	// Post well past the per-window allowance and look for rejections.
	rejected := 0
	for i := 0; i < 15; i++ {
		if _, err := c.Post(ctx, sessionID, fmt.Sprintf("burst %d", i)); err != nil {
			if strings.Contains(err.Error(), "429") {
				rejected++
			}
		}
	}

	if rejected == 0 {
		// The server runs without a limiter when Redis is not configured.
		return scenarioResult{name, resultInfo, "not enforced (limiter disabled?)"}
	}
	return scenarioResult{name, resultPass, fmt.Sprintf("%d/15 posts rejected", rejected)}
}

// ---------------------------------------------------------------------------
// Scenario 7: Content Filtering
// ---------------------------------------------------------------------------

func scenario7ContentFiltering(ctx context.Context, baseURL string) scenarioResult {
	name := "Scenario 7: Content Filtering"

	c, err := client.New(ctx, baseURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client: %v", err)}
	}
	sessionID, err := c.CreateSession(ctx)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("create: %v", err)}
	}

	// A blocked phrase must be rejected without consuming a sequence.
	if _, err := c.Post(ctx, sessionID, "free money for everyone"); err == nil {
		return scenarioResult{name, resultFail, "blocked phrase accepted"}
	}
	seq, err := c.Post(ctx, sessionID, "perfectly fine message")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("clean post: %v", err)}
	}
	if seq != 0 {
		return scenarioResult{name, resultFail, fmt.Sprintf("blocked phrase consumed seq: clean post got %d", seq)}
	}

	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// collectSeqs opens a listen stream at resumeFrom and returns the first n
// message sequence numbers it delivers.
func collectSeqs(ctx context.Context, c *client.Client, sessionID string, resumeFrom int64, n int) ([]uint64, error) {
	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	events := make(chan uint64, 64)
	onMessage := client.Handler{Type: client.EventMessage, Fn: func(raw json.RawMessage) {
		var ev client.MessageEvent
		if json.Unmarshal(raw, &ev) == nil {
			events <- ev.Seq
		}
	}}
	stream, err := c.Listen(streamCtx, sessionID, resumeFrom, onMessage)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	seqs := make([]uint64, 0, n)
	for len(seqs) < n {
		select {
		case seq := <-events:
			seqs = append(seqs, seq)
		case <-streamCtx.Done():
			return nil, fmt.Errorf("timeout after %d/%d events", len(seqs), n)
		}
	}
	return seqs, nil
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	return httpGetAuthed(ctx, url, "")
}

// httpGetAuthed performs an HTTP GET with an optional bearer token and
// returns the response body, failing on non-200 statuses.
func httpGetAuthed(ctx context.Context, url, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// truncateID returns the first 8 characters of an ID for display purposes.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
