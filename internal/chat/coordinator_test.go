package chat

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chirpy/chat-backend/internal/auth"
)

func testIdent(id string) auth.GuestIdentity {
	return auth.GuestIdentity{
		ID:        id,
		Name:      "guest-" + id,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func newTestCoordinator() *Coordinator {
	return NewCoordinator(Config{
		Retention:  100,
		QueueCap:   16,
		DrainGrace: time.Minute,
		IdleWindow: time.Hour,
	})
}

func TestCreatePostSubscribeScenario(t *testing.T) {
	c := newTestCoordinator()
	alice := testIdent("alice")

	sess, err := c.CreateSession(alice)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	msg, err := c.PostMessage(alice, sess.ID, "hello")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if msg.Seq != 0 {
		t.Fatalf("expected first message seq 0, got %d", msg.Seq)
	}

	from := uint64(0)
	sub, err := c.Subscribe(alice, sess.ID, &from)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer c.Unsubscribe(sub)

	got := <-sub.C()
	if got.Seq != 0 || got.Body != "hello" {
		t.Fatalf("expected replayed hello/seq 0, got %q/seq %d", got.Body, got.Seq)
	}
	sub.MarkDelivered(got.Seq)

	msg, err = c.PostMessage(alice, sess.ID, "world")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if msg.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", msg.Seq)
	}

	got = <-sub.C()
	if got.Seq != 1 || got.Body != "world" {
		t.Fatalf("expected world/seq 1, got %q/seq %d", got.Body, got.Seq)
	}
}

func TestSubscribeUnknownSession(t *testing.T) {
	c := newTestCoordinator()

	_, err := c.Subscribe(testIdent("alice"), "nope", nil)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestPostUnknownSession(t *testing.T) {
	c := newTestCoordinator()

	_, err := c.PostMessage(testIdent("alice"), "nope", "hi")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestPostExpiredIdentity(t *testing.T) {
	c := newTestCoordinator()
	alice := testIdent("alice")

	sess, err := c.CreateSession(alice)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	expired := alice
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	_, err = c.PostMessage(expired, sess.ID, "hi")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestPostRequiresMembership(t *testing.T) {
	c := newTestCoordinator()
	alice := testIdent("alice")
	mallory := testIdent("mallory")

	sess, _ := c.CreateSession(alice)

	_, err := c.PostMessage(mallory, sess.ID, "hi")
	if !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}

	// After joining, posting succeeds.
	if err := c.JoinSession(mallory, sess.ID); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if _, err := c.PostMessage(mallory, sess.ID, "hi"); err != nil {
		t.Fatalf("PostMessage after join: %v", err)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	c := newTestCoordinator()
	alice := testIdent("alice")
	bob := testIdent("bob")

	sess, _ := c.CreateSession(alice)
	for i := 0; i < 3; i++ {
		if err := c.JoinSession(bob, sess.ID); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}

	info, err := c.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(info.Members) != 2 {
		t.Fatalf("expected 2 members, got %v", info.Members)
	}
}

func TestMembersOnlyGrowViaJoin(t *testing.T) {
	c := newTestCoordinator()
	alice := testIdent("alice")
	bob := testIdent("bob")

	sess, _ := c.CreateSession(alice)
	c.JoinSession(bob, sess.ID)
	c.PostMessage(bob, sess.ID, "hi")

	info, _ := c.GetSession(sess.ID)
	if len(info.Members) != 2 {
		t.Fatalf("posting must not change membership: %v", info.Members)
	}
}

func TestConcurrentPostsGaplessSeqs(t *testing.T) {
	c := newTestCoordinator()
	alice := testIdent("alice")
	sess, _ := c.CreateSession(alice)

	goroutines := 10
	postsEach := 30

	var mu sync.Mutex
	seen := make(map[uint64]bool)

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < postsEach; i++ {
				msg, err := c.PostMessage(alice, sess.ID, "msg")
				if err != nil {
					t.Errorf("PostMessage: %v", err)
					return
				}
				mu.Lock()
				if seen[msg.Seq] {
					t.Errorf("duplicate seq %d", msg.Seq)
				}
				seen[msg.Seq] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	total := goroutines * postsEach
	for i := 0; i < total; i++ {
		if !seen[uint64(i)] {
			t.Fatalf("missing seq %d", i)
		}
	}
}

func TestResumeAfterDisconnect(t *testing.T) {
	c := newTestCoordinator()
	alice := testIdent("alice")
	sess, _ := c.CreateSession(alice)

	sub, err := c.Subscribe(alice, sess.ID, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 3; i++ {
		c.PostMessage(alice, sess.ID, fmt.Sprintf("msg-%d", i))
	}
	var cursor uint64
	for i := 0; i < 3; i++ {
		msg := <-sub.C()
		sub.MarkDelivered(msg.Seq)
		cursor = msg.Seq
	}
	c.Unsubscribe(sub)

	// Messages posted while disconnected.
	for i := 3; i < 6; i++ {
		c.PostMessage(alice, sess.ID, fmt.Sprintf("msg-%d", i))
	}

	from := cursor + 1
	resumed, err := c.Subscribe(alice, sess.ID, &from)
	if err != nil {
		t.Fatalf("resume Subscribe: %v", err)
	}
	defer c.Unsubscribe(resumed)

	for i := 3; i < 6; i++ {
		msg := <-resumed.C()
		if msg.Seq != uint64(i) {
			t.Fatalf("expected resumed seq %d, got %d", i, msg.Seq)
		}
		if msg.Body != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("expected body msg-%d, got %q", i, msg.Body)
		}
		resumed.MarkDelivered(msg.Seq)
	}
}

func TestResumeBeyondRetention(t *testing.T) {
	c := NewCoordinator(Config{Retention: 4, QueueCap: 16, DrainGrace: time.Minute, IdleWindow: time.Hour})
	alice := testIdent("alice")
	sess, _ := c.CreateSession(alice)

	for i := 0; i < 10; i++ {
		c.PostMessage(alice, sess.ID, "msg")
	}

	from := uint64(0)
	_, err := c.Subscribe(alice, sess.ID, &from)
	if !errors.Is(err, ErrTooOld) {
		t.Fatalf("expected ErrTooOld, got %v", err)
	}
}

func TestLiveSubscribeStartsAtTail(t *testing.T) {
	c := newTestCoordinator()
	alice := testIdent("alice")
	sess, _ := c.CreateSession(alice)

	c.PostMessage(alice, sess.ID, "before")

	sub, err := c.Subscribe(alice, sess.ID, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer c.Unsubscribe(sub)

	c.PostMessage(alice, sess.ID, "after")

	msg := <-sub.C()
	if msg.Body != "after" || msg.Seq != 1 {
		t.Fatalf("live subscriber must start at tail; got %q/seq %d", msg.Body, msg.Seq)
	}
}

func TestInvitePostsSystemMessage(t *testing.T) {
	c := newTestCoordinator()
	alice := testIdent("alice")
	sess, _ := c.CreateSession(alice)

	msg, err := c.Invite(alice, sess.ID, "bob-id", "bob")
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if msg.AuthorID != SystemAuthorID {
		t.Errorf("expected system author, got %q", msg.AuthorID)
	}

	info, _ := c.GetSession(sess.ID)
	if len(info.Members) != 2 {
		t.Fatalf("expected invitee added, members=%v", info.Members)
	}

	// A non-member may not invite.
	_, err = c.Invite(testIdent("mallory"), sess.ID, "eve-id", "eve")
	if !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
}

func TestSessionsFor(t *testing.T) {
	c := newTestCoordinator()
	alice := testIdent("alice")
	bob := testIdent("bob")

	s1, _ := c.CreateSession(alice)
	c.CreateSession(bob)
	s3, _ := c.CreateSession(alice)

	got := c.SessionsFor(alice)
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions for alice, got %d", len(got))
	}
	ids := map[string]bool{got[0].ID: true, got[1].ID: true}
	if !ids[s1.ID] || !ids[s3.ID] {
		t.Errorf("unexpected session set %v", ids)
	}
}

func TestScreenRejectsPost(t *testing.T) {
	c := newTestCoordinator()
	c.SetScreen(func(body string) error {
		return fmt.Errorf("blocked")
	})
	alice := testIdent("alice")
	sess, _ := c.CreateSession(alice)

	if _, err := c.PostMessage(alice, sess.ID, "anything"); !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	// Rejected posts must not consume sequence numbers.
	info, _ := c.GetSession(sess.ID)
	if info.NextSeq != 0 {
		t.Errorf("expected next seq 0 after rejection, got %d", info.NextSeq)
	}
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	c := newTestCoordinator()
	alice := testIdent("alice")

	idle, _ := c.CreateSession(alice)
	watched, _ := c.CreateSession(alice)

	sub, err := c.Subscribe(alice, watched.ID, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer c.Unsubscribe(sub)

	// Zero idle window: everything without subscribers is collectable.
	collected := c.Registry().Sweep(0, time.Now().Add(time.Minute))
	if collected != 1 {
		t.Fatalf("expected 1 swept session, got %d", collected)
	}

	if _, err := c.GetSession(idle.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected idle session gone, got %v", err)
	}
	if _, err := c.GetSession(watched.ID); err != nil {
		t.Errorf("session with a subscriber must survive the sweep: %v", err)
	}
}
