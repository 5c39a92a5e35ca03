package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrScheduleNotFound = errors.New("schedule not found")

// Schedule is owned by the CRUD layer. The core only reads it and writes
// back the NextFire* fields.
type Schedule struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Name     string

	CronExpression string
	Timezone       string // IANA timezone, defaults to UTC
	Active         bool

	NextFireAt         *time.Time
	NextFireComputedAt *time.Time
	// NextFireVersion is the Version the cached NextFireAt was computed under.
	NextFireVersion int64

	// Version is bumped by every edit.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CachedNextFire returns the persisted next-fire instant if it was computed
// against the current version.
func (s Schedule) CachedNextFire() (time.Time, bool) {
	if s.NextFireAt == nil || s.NextFireVersion != s.Version {
		return time.Time{}, false
	}
	return *s.NextFireAt, true
}

func (s Schedule) Location() string {
	if s.Timezone == "" {
		return "UTC"
	}
	return s.Timezone
}
