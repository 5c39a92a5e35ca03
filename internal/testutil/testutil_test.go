package testutil

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestFakeClock_AdvanceAndSet(t *testing.T) {
	fixed := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := NewFakeClock(fixed)

	if got := clock.Now(); !got.Equal(fixed) {
		t.Errorf("Now() = %v, want %v", got, fixed)
	}

	clock.Advance(5 * time.Minute)
	if got, want := clock.Now(), fixed.Add(5*time.Minute); !got.Equal(want) {
		t.Errorf("after Advance(5m), Now() = %v, want %v", got, want)
	}

	clock.Set(fixed)
	if got := clock.Now(); !got.Equal(fixed) {
		t.Errorf("after Set, Now() = %v, want %v", got, fixed)
	}
}

func TestTestContext_HasDeadline(t *testing.T) {
	ctx := TestContext(t)

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("TestContext should have a deadline")
	}

	remaining := time.Until(deadline)
	if remaining <= 0 || remaining > 6*time.Second {
		t.Errorf("deadline should be ~5s from now, got %v", remaining)
	}
}

func TestNewSchedule(t *testing.T) {
	tenant := uuid.New()
	s := NewSchedule(tenant, "0 9 * * *", "Europe/Paris")

	if !s.Active || s.Version != 1 || s.TenantID != tenant {
		t.Errorf("unexpected schedule: %+v", s)
	}
	if s.Location() != "Europe/Paris" {
		t.Errorf("Location() = %q", s.Location())
	}
}
