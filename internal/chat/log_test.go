package chat

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAppendAssignsGaplessSequence(t *testing.T) {
	l := NewLog(10)
	now := time.Now()

	for i := 0; i < 5; i++ {
		msg := l.Append("s1", "a", "hello", now)
		if msg.Seq != uint64(i) {
			t.Fatalf("append %d: expected seq %d, got %d", i, i, msg.Seq)
		}
	}
	if got := l.NextSeq(); got != 5 {
		t.Errorf("expected next seq 5, got %d", got)
	}
}

func TestReplayFrom(t *testing.T) {
	l := NewLog(10)
	now := time.Now()
	for i := 0; i < 4; i++ {
		l.Append("s1", "a", "msg", now)
	}

	msgs, err := l.ReplayFrom(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Seq != 2 || msgs[1].Seq != 3 {
		t.Errorf("expected seqs 2,3, got %d,%d", msgs[0].Seq, msgs[1].Seq)
	}
}

func TestReplayFromTail(t *testing.T) {
	l := NewLog(10)
	l.Append("s1", "a", "msg", time.Now())

	msgs, err := l.ReplayFrom(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty replay at tail, got %d messages", len(msgs))
	}
}

func TestReplayFromEmptyLog(t *testing.T) {
	l := NewLog(10)

	msgs, err := l.ReplayFrom(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty replay, got %d messages", len(msgs))
	}
}

func TestRetentionEviction(t *testing.T) {
	l := NewLog(5)
	now := time.Now()

	// 8 appends with retention 5: seqs 0..2 fall out of the window.
	for i := 0; i < 8; i++ {
		l.Append("s1", "a", "msg", now)
	}

	if oldest, ok := l.OldestSeq(); !ok || oldest != 3 {
		t.Fatalf("expected oldest seq 3, got %d (ok=%v)", oldest, ok)
	}

	msgs, err := l.ReplayFrom(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 retained messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Seq != uint64(3+i) {
			t.Errorf("index %d: expected seq %d, got %d", i, 3+i, msg.Seq)
		}
	}

	_, err = l.ReplayFrom(2)
	if !errors.Is(err, ErrTooOld) {
		t.Errorf("expected ErrTooOld for evicted seq, got %v", err)
	}
}

func TestSeqNeverReused(t *testing.T) {
	l := NewLog(3)
	now := time.Now()

	for i := 0; i < 10; i++ {
		l.Append("s1", "a", "msg", now)
	}
	// Numbering keeps growing past the window.
	if msg := l.Append("s1", "a", "msg", now); msg.Seq != 10 {
		t.Fatalf("expected seq 10 after eviction, got %d", msg.Seq)
	}
}

func TestConcurrentAppends(t *testing.T) {
	l := NewLog(2000)
	goroutines := 20
	appendsEach := 50

	var mu sync.Mutex
	seen := make(map[uint64]bool)

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < appendsEach; i++ {
				msg := l.Append("s1", "a", "msg", time.Now())
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

	total := goroutines * appendsEach
	if len(seen) != total {
		t.Fatalf("expected %d unique seqs, got %d", total, len(seen))
	}
	// Gapless: every seq in [0, total).
	for i := 0; i < total; i++ {
		if !seen[uint64(i)] {
			t.Errorf("missing seq %d", i)
		}
	}
}
