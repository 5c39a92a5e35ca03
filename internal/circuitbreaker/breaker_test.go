package circuitbreaker

import (
	"testing"
	"time"

	"github.com/djlord-it/reportcron/internal/testutil"
)

const endpoint = "http://reports.internal/generate"

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *testutil.FakeClock) {
	clock := testutil.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	return New(threshold, cooldown).WithClock(clock.Now), clock
}

func trip(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.RecordFailure(endpoint)
	}
}

func TestAllow_UnknownKey_Allowed(t *testing.T) {
	b, _ := newTestBreaker(3, 5*time.Second)
	if err := b.Allow(endpoint); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if b.State(endpoint) != StateClosed {
		t.Fatalf("state: %s", b.State(endpoint))
	}
}

func TestAllow_BelowThreshold_Allowed(t *testing.T) {
	b, _ := newTestBreaker(3, 5*time.Second)
	trip(b, 2)
	if err := b.Allow(endpoint); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAllow_AtThreshold_Open(t *testing.T) {
	b, _ := newTestBreaker(3, 5*time.Second)
	trip(b, 3)
	if err := b.Allow(endpoint); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if b.State(endpoint) != StateOpen {
		t.Fatalf("state: %s", b.State(endpoint))
	}
}

func TestAllow_OpenAfterCooldown_SingleProbe(t *testing.T) {
	b, clock := newTestBreaker(3, 10*time.Second)
	trip(b, 3)
	clock.Advance(10 * time.Second)

	if err := b.Allow(endpoint); err != nil {
		t.Fatalf("expected probe allowed, got %v", err)
	}
	if err := b.Allow(endpoint); err != ErrCircuitOpen {
		t.Fatal("expected ErrCircuitOpen while half-open probe in flight")
	}
}

func TestRecordSuccess_Closes(t *testing.T) {
	b, clock := newTestBreaker(3, 10*time.Second)
	trip(b, 3)
	clock.Advance(11 * time.Second)
	_ = b.Allow(endpoint)
	b.RecordSuccess(endpoint)

	if err := b.Allow(endpoint); err != nil {
		t.Fatalf("expected nil after reset, got %v", err)
	}
	// Failure count starts over.
	trip(b, 2)
	if err := b.Allow(endpoint); err != nil {
		t.Fatalf("expected closed after 2 new failures, got %v", err)
	}
}

func TestRecordFailure_HalfOpenReOpens(t *testing.T) {
	b, clock := newTestBreaker(3, 10*time.Second)
	trip(b, 3)
	clock.Advance(11 * time.Second)
	_ = b.Allow(endpoint)
	b.RecordFailure(endpoint)

	if err := b.Allow(endpoint); err != ErrCircuitOpen {
		t.Fatal("expected ErrCircuitOpen after probe failure re-open")
	}
	clock.Advance(11 * time.Second)
	if err := b.Allow(endpoint); err != nil {
		t.Fatalf("expected second probe after cooldown, got %v", err)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure(endpoint)
	if err := b.Allow("http://other/generate"); err != nil {
		t.Fatalf("other key affected: %v", err)
	}
}
