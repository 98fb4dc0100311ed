package breakglass

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestActivateRequiresReason(t *testing.T) {
	c := NewController(NewMemoryStore())
	if _, err := c.Activate(context.Background(), "u1", "   "); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
	if _, err := c.Activate(context.Background(), "", "er visit"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestLifecycleAndExpiryBoundary(t *testing.T) {
	start := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	now := start
	c := NewController(NewMemoryStore(), WithClock(func() time.Time { return now }))

	if _, state, err := c.State(context.Background(), "u1"); err != nil || state != StateInactive {
		t.Fatalf("expected inactive, got %s %v", state, err)
	}

	s, err := c.Activate(context.Background(), "u1", "unconscious patient in ER")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !s.ExpiresAt.Equal(start.Add(DefaultTTL)) {
		t.Fatalf("expires_at = %v", s.ExpiresAt)
	}

	now = s.ExpiresAt.Add(-time.Millisecond)
	if _, ok, _ := c.Active(context.Background(), "u1"); !ok {
		t.Fatal("expected active at T-1ms")
	}
	now = s.ExpiresAt
	if _, ok, _ := c.Active(context.Background(), "u1"); !ok {
		t.Fatal("expected active at T")
	}
	now = s.ExpiresAt.Add(time.Millisecond)
	if _, ok, _ := c.Active(context.Background(), "u1"); ok {
		t.Fatal("expected expired at T+1ms")
	}
	if _, state, _ := c.State(context.Background(), "u1"); state != StateExpired {
		t.Fatalf("expected expired, got %s", state)
	}
}

func TestActiveSessionCannotBeExtended(t *testing.T) {
	start := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	now := start
	c := NewController(NewMemoryStore(), WithClock(func() time.Time { return now }), WithTTL(5*time.Minute))

	first, err := c.Activate(context.Background(), "u1", "overdose")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	now = start.Add(4 * time.Minute)
	got, err := c.Activate(context.Background(), "u1", "still overdose")
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if !got.ExpiresAt.Equal(first.ExpiresAt) {
		t.Fatalf("session expiry moved: %v -> %v", first.ExpiresAt, got.ExpiresAt)
	}

	now = start.Add(6 * time.Minute)
	second, err := c.Activate(context.Background(), "u1", "new emergency")
	if err != nil {
		t.Fatalf("re-activate after expiry: %v", err)
	}
	if second.ID == first.ID || !second.ExpiresAt.Equal(now.Add(5*time.Minute)) {
		t.Fatalf("unexpected second session: %+v", second)
	}
}
