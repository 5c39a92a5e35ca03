package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/reportcron/internal/domain"
)

// Store persists execution runs. Every status change is a compare-and-set
// on the current status; implementations must never overwrite a terminal run.
type Store interface {
	// CreateRunIfAbsent inserts run unless a run with the same idempotency
	// key exists, in which case the existing run is returned with false.
	CreateRunIfAbsent(ctx context.Context, run domain.ExecutionRun) (domain.ExecutionRun, bool, error)
	GetRun(ctx context.Context, id uuid.UUID) (domain.ExecutionRun, error)
	GetRunByKey(ctx context.Context, key string) (domain.ExecutionRun, error)
	ListRuns(ctx context.Context, filter RunFilter, after *Cursor, limit int) ([]domain.ExecutionRun, error)

	// ClaimRun moves an admitted, retry-eligible queued run to running and
	// increments its attempt count. ErrClaimConflict otherwise.
	ClaimRun(ctx context.Context, id uuid.UUID, workerID string, now time.Time) (domain.ExecutionRun, error)
	// TransitionRun applies t if the run's status is in t.From.
	// ErrTransitionDenied otherwise.
	TransitionRun(ctx context.Context, id uuid.UUID, t Transition) (domain.ExecutionRun, error)
	// MarkAdmitted sets admitted_at on a queued run once. It returns false
	// if already set.
	MarkAdmitted(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	// UnmarkAdmitted clears admitted_at on a queued run that was never
	// dispatched. It returns false when the run has moved on.
	UnmarkAdmitted(ctx context.Context, id uuid.UUID) (bool, error)
	// MarkReleased records that a terminal run returned its slot.
	MarkReleased(ctx context.Context, id uuid.UUID, now time.Time) error
	// ExpireSlots marks released every terminal admitted run that completed
	// before completedBefore without a recorded release.
	ExpireSlots(ctx context.Context, completedBefore, now time.Time) (int, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, now time.Time) error

	ListStaleRuns(ctx context.Context, startedBefore time.Time, limit int) ([]domain.ExecutionRun, error)
	ListUnadmitted(ctx context.Context, limit int) ([]domain.ExecutionRun, error)
	// ListDispatchable returns admitted queued runs that are retry-eligible
	// and either never dispatched for the current attempt or dispatched
	// before orphanBefore.
	ListDispatchable(ctx context.Context, now, orphanBefore time.Time, limit int) ([]domain.ExecutionRun, error)
	// CountActiveByTenant counts admitted runs whose slot has not been
	// released, terminal or not.
	CountActiveByTenant(ctx context.Context) (map[uuid.UUID]int, error)
	CountUnadmitted(ctx context.Context) (int, error)

	AppendAudit(ctx context.Context, event domain.AuditEvent) error
}

// Transition describes a guarded status change.
type Transition struct {
	From []domain.RunStatus
	To   domain.RunStatus

	Kind    domain.ErrorKind
	Message string

	// NextAttemptAt is set on the run when To is queued.
	NextAttemptAt *time.Time
	// RecordAttempt appends an AttemptRecord when the run was running.
	RecordAttempt bool

	At time.Time
}

// Allows reports whether status is an accepted source state.
func (t Transition) Allows(status domain.RunStatus) bool {
	for _, s := range t.From {
		if s == status {
			return true
		}
	}
	return false
}

// Apply returns run after the transition. The caller has already checked
// Allows under whatever lock guards the row.
func (t Transition) Apply(run domain.ExecutionRun) domain.ExecutionRun {
	if t.RecordAttempt && run.Status == domain.RunStatusRunning {
		run.History = append(append([]domain.AttemptRecord(nil), run.History...), domain.AttemptRecord{
			Attempt:    run.Attempts,
			Kind:       t.Kind,
			Message:    t.Message,
			OccurredAt: t.At,
		})
	}

	run.Status = t.To
	if t.Kind != domain.ErrorKindNone {
		run.LastErrorKind = t.Kind
		run.LastError = t.Message
	}
	switch {
	case t.To.IsTerminal():
		at := t.At
		run.CompletedAt = &at
	case t.To == domain.RunStatusQueued:
		run.ClaimedBy = ""
		run.NextAttemptAt = t.NextAttemptAt
	}
	return run
}

// RunFilter narrows ListRuns. Zero fields are ignored.
type RunFilter struct {
	ScheduleID *uuid.UUID
	TenantID   *uuid.UUID
	Status     domain.RunStatus
}

// Matches applies the filter in memory.
func (f RunFilter) Matches(run domain.ExecutionRun) bool {
	if f.ScheduleID != nil && (run.ScheduleID == nil || *run.ScheduleID != *f.ScheduleID) {
		return false
	}
	if f.TenantID != nil && run.TenantID != *f.TenantID {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	return true
}
