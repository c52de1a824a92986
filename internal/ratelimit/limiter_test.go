package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter creates a Limiter connected to a local Redis instance and
// flushes leftover test keys. Tests that call this helper require a running
// Redis on localhost:6379.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for _, rule := range []Rule{RulePost, RuleToken, RuleListen} {
			iter := client.Scan(ctx, 0, rule.Key+"test_*", 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewLimiter(client)
}

func TestAllow_WithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < RulePost.Limit; i++ {
		ok, err := l.Allow(ctx, "test_within", RulePost)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d unexpectedly rate limited", i+1)
		}
	}
}

func TestAllow_OverLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < RulePost.Limit; i++ {
		l.Allow(ctx, "test_over", RulePost)
	}

	ok, err := l.Allow(ctx, "test_over", RulePost)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Error("expected rate limited after exceeding limit")
	}
}

func TestAllow_IndependentIdentifiers(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	// Exhaust the limit for one identifier.
	for i := 0; i <= RuleToken.Limit; i++ {
		l.Allow(ctx, "test_exhausted", RuleToken)
	}

	// A different identifier is unaffected.
	ok, err := l.Allow(ctx, "test_fresh", RuleToken)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !ok {
		t.Error("fresh identifier should not be rate limited")
	}
}

func TestRemaining(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	// Unused identifier has the full limit.
	rem, err := l.Remaining(ctx, "test_remaining", RulePost)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if rem != RulePost.Limit {
		t.Errorf("expected %d remaining, got %d", RulePost.Limit, rem)
	}

	l.Allow(ctx, "test_remaining", RulePost)
	l.Allow(ctx, "test_remaining", RulePost)

	rem, err = l.Remaining(ctx, "test_remaining", RulePost)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if rem != RulePost.Limit-2 {
		t.Errorf("expected %d remaining, got %d", RulePost.Limit-2, rem)
	}
}

func TestAllow_WindowExpiry(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	rule := Rule{Key: fmt.Sprintf("rl:post:test_expiry_%d_", time.Now().UnixNano()), Limit: 1, Window: time.Second}

	ok, _ := l.Allow(ctx, "id", rule)
	if !ok {
		t.Fatal("first request should be allowed")
	}
	ok, _ = l.Allow(ctx, "id", rule)
	if ok {
		t.Fatal("second request should be limited")
	}

	time.Sleep(1100 * time.Millisecond)

	ok, err := l.Allow(ctx, "id", rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !ok {
		t.Error("request after window expiry should be allowed")
	}
}
