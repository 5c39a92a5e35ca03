package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeadLetterEntry holds a run that failed permanently or ran out of retries.
type DeadLetterEntry struct {
	ID uuid.UUID

	RunID          uuid.UUID
	ScheduleID     *uuid.UUID
	TenantID       uuid.UUID
	IdempotencyKey string

	Kind    ErrorKind
	Class   FailureClass
	History []AttemptRecord

	ReplayEligible bool
	ReplayNonce    string
	ReplayRunID    *uuid.UUID
	ReplayedAt     *time.Time

	CreatedAt time.Time
}

func (e DeadLetterEntry) Replayed() bool {
	return e.ReplayedAt != nil
}
