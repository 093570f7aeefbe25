package velocity

import (
	"context"
	"testing"
	"time"
)

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time        { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore() (*MemoryStore, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStore()
	s.now = clock.now
	return s, clock
}

// ─── Windowed counting ────────────────────────────────────────────────────────

func TestMemoryStore_IncrCounts(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := s.Incr(ctx, "addr:1.2.3.4", 10*time.Minute)
		if err != nil {
			t.Fatalf("incr failed: %v", err)
		}
		if got != want {
			t.Errorf("incr %d: got %d", want, got)
		}
	}

	n, err := s.Get(ctx, "addr:1.2.3.4")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if n != 5 {
		t.Errorf("expected count 5, got %d", n)
	}
}

func TestMemoryStore_WindowAnchoredAtFirstEvent(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()

	s.Incr(ctx, "ref:CODE", 10*time.Minute)
	clock.advance(9 * time.Minute)
	if n, _ := s.Incr(ctx, "ref:CODE", 10*time.Minute); n != 2 {
		t.Errorf("within the window: expected 2, got %d", n)
	}

	// Later events never extend the window.
	clock.advance(2 * time.Minute)
	if n, _ := s.Incr(ctx, "ref:CODE", 10*time.Minute); n != 1 {
		t.Errorf("after expiry: expected a fresh window starting at 1, got %d", n)
	}
}

func TestMemoryStore_GetExpired(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()

	s.Incr(ctx, "email:stem@x", 24*time.Hour)
	clock.advance(25 * time.Hour)

	if n, _ := s.Get(ctx, "email:stem@x"); n != 0 {
		t.Errorf("expired key must read as 0, got %d", n)
	}
}

func TestMemoryStore_KeysAreIndependent(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	s.Incr(ctx, "addr:1.1.1.1", time.Minute)
	s.Incr(ctx, "addr:1.1.1.1", time.Minute)
	s.Incr(ctx, "addr:2.2.2.2", time.Minute)

	if n, _ := s.Get(ctx, "addr:2.2.2.2"); n != 1 {
		t.Errorf("keys must not share counts, got %d", n)
	}
}
