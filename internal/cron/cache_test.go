package cron

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/testutil"
)

func newTestCache(now time.Time) (*NextFireCache, *testutil.FakeClock) {
	clock := testutil.NewFakeClock(now)
	return NewNextFireCache(NewEvaluator()).WithClock(clock.Now), clock
}

func TestNextFireCache_MissEvaluatesFromNow(t *testing.T) {
	now := time.Date(2025, 1, 1, 8, 30, 0, 0, time.UTC)
	c, _ := newTestCache(now)

	s := domain.Schedule{ID: uuid.New(), CronExpression: "0 9 * * *", Timezone: "UTC", Version: 1}

	next, version, err := c.Get(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestNextFireCache_PrefersPersistedValue(t *testing.T) {
	now := time.Date(2025, 1, 1, 8, 30, 0, 0, time.UTC)
	c, _ := newTestCache(now)

	persisted := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC) // already due
	s := domain.Schedule{
		ID: uuid.New(), CronExpression: "0 * * * *", Timezone: "UTC",
		NextFireAt: &persisted, NextFireVersion: 2, Version: 2,
	}

	next, _, err := c.Get(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.Equal(persisted) {
		t.Errorf("next = %s, want persisted %s", next, persisted)
	}
	if c.Len() != 0 {
		t.Errorf("due entries must not be cached, Len = %d", c.Len())
	}
}

func TestNextFireCache_VersionMismatchRecomputes(t *testing.T) {
	now := time.Date(2025, 1, 1, 8, 30, 0, 0, time.UTC)
	c, _ := newTestCache(now)

	s := domain.Schedule{ID: uuid.New(), CronExpression: "0 9 * * *", Timezone: "UTC", Version: 1}
	if _, _, err := c.Get(s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Edit lands inside the TTL window.
	s.CronExpression = "45 8 * * *"
	s.Version = 2

	next, version, err := c.Get(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := time.Date(2025, 1, 1, 8, 45, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
}

func TestNextFireCache_HitIgnoresRuleUntilExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 8, 30, 0, 0, time.UTC)
	c, clock := newTestCache(now)

	s := domain.Schedule{ID: uuid.New(), CronExpression: "0 9 * * *", Timezone: "UTC", Version: 1}
	first, _, _ := c.Get(s)

	// Same version: the cached value is served.
	s.CronExpression = "45 8 * * *"
	hit, _, _ := c.Get(s)
	if !hit.Equal(first) {
		t.Fatalf("expected cache hit %s, got %s", first, hit)
	}

	// Past the TTL the entry expires and is recomputed.
	clock.Advance(31 * time.Minute)
	after, _, _ := c.Get(s)
	if want := time.Date(2025, 1, 2, 8, 45, 0, 0, time.UTC); !after.Equal(want) {
		t.Fatalf("after expiry = %s, want %s", after, want)
	}
}

func TestNextFireCache_InvalidRule(t *testing.T) {
	c, _ := newTestCache(time.Now())
	s := domain.Schedule{ID: uuid.New(), CronExpression: "bad", Timezone: "UTC"}

	if _, _, err := c.Get(s); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestNextFireCache_Invalidate(t *testing.T) {
	c, _ := newTestCache(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	id := uuid.New()
	c.Put(id, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), 1)
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	c.Invalidate(id)
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0", c.Len())
	}
}
