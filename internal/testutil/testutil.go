// Package testutil provides shared test helpers for reportcron.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/reportcron/internal/domain"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set jumps the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestLogger routes log output through t.Log.
func TestLogger(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
}

// MustTime parses an RFC3339 timestamp and fails the test on error.
func MustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("testutil.MustTime(%q): %v", s, err)
	}
	return ts
}

// NewSchedule returns an active schedule with version 1.
func NewSchedule(tenantID uuid.UUID, expr, tz string) domain.Schedule {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return domain.Schedule{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Name:           "report-" + expr,
		CronExpression: expr,
		Timezone:       tz,
		Active:         true,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
