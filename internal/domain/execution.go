package domain

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusAborted:
		return true
	}
	return false
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusAborted:
		return true
	}
	return false
}

// TriggerSource records which path created a run.
type TriggerSource string

const (
	TriggerSourceSchedule TriggerSource = "schedule"
	TriggerSourceManual   TriggerSource = "manual"
	TriggerSourceReplay   TriggerSource = "replay"
	TriggerSourceReap     TriggerSource = "reap"
)

// ExecutionRun is one attempt lineage for an idempotency key.
// Terminal runs are never edited; corrections go to AuditEvent.
type ExecutionRun struct {
	ID uuid.UUID

	ScheduleID     *uuid.UUID // nil for ad-hoc runs
	TenantID       uuid.UUID
	IdempotencyKey string
	Source         TriggerSource

	Status   RunStatus
	Attempts int

	IntendedFireAt time.Time
	ClaimedBy      string

	// NextAttemptAt is the earliest instant a queued retry may be claimed.
	NextAttemptAt *time.Time
	AdmittedAt    *time.Time
	DispatchedAt  *time.Time

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	LastErrorKind ErrorKind
	LastError     string

	History []AttemptRecord
}

// Admitted reports whether the run holds an admission slot.
func (r ExecutionRun) Admitted() bool {
	return r.AdmittedAt != nil
}

// Duration is the time from the latest claim to completion.
func (r ExecutionRun) Duration() (time.Duration, bool) {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0, false
	}
	return r.CompletedAt.Sub(*r.StartedAt), true
}

// AttemptRecord is one failed attempt.
type AttemptRecord struct {
	Attempt    int       `json:"attempt"`
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AuditEvent is an append-only note against a run.
type AuditEvent struct {
	ID        uuid.UUID
	RunID     uuid.UUID
	Action    string
	Detail    string
	CreatedAt time.Time
}

const (
	AuditActionAbort  = "abort"
	AuditActionReap   = "reap"
	AuditActionReplay = "replay"
)
