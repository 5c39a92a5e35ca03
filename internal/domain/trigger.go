package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkItem is the message handed to generation workers.
type WorkItem struct {
	RunID          uuid.UUID  `json:"run_id"`
	ScheduleID     *uuid.UUID `json:"schedule_id,omitempty"`
	TenantID       uuid.UUID  `json:"tenant_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	IntendedFireAt time.Time  `json:"intended_fire_at"`
	Attempt        int        `json:"attempt"`
	DispatchedAt   time.Time  `json:"dispatched_at"`
}

func NewWorkItem(run ExecutionRun, now time.Time) WorkItem {
	return WorkItem{
		RunID:          run.ID,
		ScheduleID:     run.ScheduleID,
		TenantID:       run.TenantID,
		IdempotencyKey: run.IdempotencyKey,
		IntendedFireAt: run.IntendedFireAt,
		Attempt:        run.Attempts + 1,
		DispatchedAt:   now,
	}
}
