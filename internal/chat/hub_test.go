package chat

import (
	"sync"
	"testing"
	"time"
)

func testMsg(seq uint64) Message {
	return Message{Seq: seq, SessionID: "s1", AuthorID: "a", Body: "msg", Ts: time.Now().UnixMilli()}
}

func TestPublishFanout(t *testing.T) {
	h := NewHub(16, time.Minute)

	subs := []*Subscriber{
		h.Subscribe("s1", -1),
		h.Subscribe("s1", -1),
		h.Subscribe("s1", -1),
	}

	for seq := uint64(0); seq < 5; seq++ {
		if got := h.Publish(testMsg(seq)); got != 3 {
			t.Fatalf("seq %d: expected 3 deliveries, got %d", seq, got)
		}
	}

	for i, sub := range subs {
		for seq := uint64(0); seq < 5; seq++ {
			msg := <-sub.C()
			if msg.Seq != seq {
				t.Fatalf("sub %d: expected seq %d, got %d", i, seq, msg.Seq)
			}
			sub.MarkDelivered(msg.Seq)
		}
		if sub.Cursor() != 4 {
			t.Errorf("sub %d: expected cursor 4, got %d", i, sub.Cursor())
		}
	}
}

func TestSlowSubscriberGapsWithoutBlockingOthers(t *testing.T) {
	h := NewHub(2, time.Minute)

	slow := h.Subscribe("s1", -1)
	fast := h.Subscribe("s1", -1)

	// Fill the slow subscriber's queue, then overflow it. The fast
	// subscriber keeps draining and must see every message.
	for seq := uint64(0); seq < 4; seq++ {
		h.Publish(testMsg(seq))
		msg := <-fast.C()
		if msg.Seq != seq {
			t.Fatalf("fast: expected seq %d, got %d", seq, msg.Seq)
		}
		fast.MarkDelivered(msg.Seq)
	}

	if slow.State() != StateDraining {
		t.Fatalf("expected slow subscriber DRAINING, got state %d", slow.State())
	}
	if !slow.Gapped() {
		t.Fatal("expected slow subscriber to be gapped")
	}
	if slow.GapAt() != 2 {
		t.Errorf("expected first missed seq 2, got %d", slow.GapAt())
	}

	// The backlog (seqs 0 and 1) is still deliverable; once drained, the
	// channel closes so the consumer learns of the gap.
	for seq := uint64(0); seq < 2; seq++ {
		msg := <-slow.C()
		if msg.Seq != seq {
			t.Fatalf("slow: expected seq %d, got %d", seq, msg.Seq)
		}
		slow.MarkDelivered(msg.Seq)
	}

	if _, ok := <-slow.C(); ok {
		t.Fatal("expected slow subscriber channel to be closed after draining")
	}
	if slow.Cursor() != 1 {
		t.Errorf("expected resume cursor 1, got %d", slow.Cursor())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub(16, time.Minute)
	sub := h.Subscribe("s1", -1)

	h.Publish(testMsg(0))
	h.Unsubscribe(sub.ID)

	if h.Len() != 0 {
		t.Fatalf("expected empty hub, got %d subscribers", h.Len())
	}
	if sub.State() != StateClosed {
		t.Errorf("expected CLOSED state, got %d", sub.State())
	}

	// The queued message is still readable, then the channel is closed.
	msg, ok := <-sub.C()
	if !ok || msg.Seq != 0 {
		t.Fatalf("expected buffered seq 0, got %v (ok=%v)", msg.Seq, ok)
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}

	// Publishing after removal must not panic or deliver.
	if got := h.Publish(testMsg(1)); got != 0 {
		t.Errorf("expected 0 deliveries after unsubscribe, got %d", got)
	}
}

func TestUnsubscribeUnknownID(t *testing.T) {
	h := NewHub(16, time.Minute)

	// Should not panic.
	h.Unsubscribe("does-not-exist")
}

func TestDrainGraceEviction(t *testing.T) {
	h := NewHub(1, time.Millisecond)
	sub := h.Subscribe("s1", -1)

	h.Publish(testMsg(0)) // fills the queue
	h.Publish(testMsg(1)) // overflow: DRAINING

	if sub.State() != StateDraining {
		t.Fatalf("expected DRAINING, got state %d", sub.State())
	}

	time.Sleep(5 * time.Millisecond)
	h.Publish(testMsg(2)) // grace elapsed: evicted in this pass

	if h.Len() != 0 {
		t.Fatalf("expected eviction, hub still has %d subscribers", h.Len())
	}
	if sub.State() != StateClosed {
		t.Errorf("expected CLOSED after eviction, got state %d", sub.State())
	}
}

func TestCloseAll(t *testing.T) {
	h := NewHub(16, time.Minute)
	a := h.Subscribe("s1", -1)
	b := h.Subscribe("s1", -1)

	h.CloseAll()

	if h.Len() != 0 {
		t.Fatalf("expected empty hub, got %d", h.Len())
	}
	for _, sub := range []*Subscriber{a, b} {
		if _, ok := <-sub.C(); ok {
			t.Error("expected closed channel after CloseAll")
		}
	}
}

func TestConcurrentChurn(t *testing.T) {
	h := NewHub(8, time.Minute)

	var wg sync.WaitGroup
	done := make(chan struct{})

	// Publisher: sends are serialized, as the coordinator guarantees.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := uint64(0); seq < 500; seq++ {
			h.Publish(testMsg(seq))
		}
		close(done)
	}()

	// Churning subscribers that attach, consume a little, and detach.
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				sub := h.Subscribe("s1", -1)
				prev := int64(-1)
			recv:
				for j := 0; j < 20; j++ {
					select {
					case msg, ok := <-sub.C():
						if !ok {
							break recv
						}
						// Per-subscriber ordering must hold under churn.
						if int64(msg.Seq) <= prev {
							t.Errorf("out of order: %d after %d", msg.Seq, prev)
							break recv
						}
						prev = int64(msg.Seq)
						sub.MarkDelivered(msg.Seq)
					case <-done:
						break recv
					}
				}
				h.Unsubscribe(sub.ID)
			}
		}()
	}

	wg.Wait()
}
