// Package ledger is the durable state machine for execution runs.
//
//	queued -> running -> succeeded | failed | aborted
//	queued -> aborted
//	running -> queued (retry scheduled, attempt recorded)
//
// CreateIfAbsent is the only way runs are created, so the idempotency key
// is the single dedup gate for scheduled, manual, replayed and reaped runs.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/reportcron/internal/domain"
)

var (
	ErrRunNotFound      = errors.New("run not found")
	ErrClaimConflict    = errors.New("run is not claimable")
	ErrTransitionDenied = errors.New("run status transition denied")
	ErrMissingKey       = errors.New("idempotency key is required")
)

// reservationSettle keeps the sweeper from dispatching a run whose
// admission was reserved but not yet confirmed by the counters.
const reservationSettle = 5 * time.Second

// SlotReleaser returns an admission slot. It is called once per admitted
// run when the run reaches a terminal state, and the release is recorded on
// the run only after it succeeds.
type SlotReleaser interface {
	Release(ctx context.Context, tenantID uuid.UUID) error
}

// MetricsSink records ledger metrics. Methods must not block.
type MetricsSink interface {
	RunCreated(source string)
	RunCompleted(status string, duration time.Duration)
	RunsReaped(count int)
}

// NewRun describes a run to create.
type NewRun struct {
	ScheduleID     *uuid.UUID
	TenantID       uuid.UUID
	IdempotencyKey string
	Source         domain.TriggerSource
	IntendedFireAt time.Time
	// Attempts carries the attempt count over from a reaped run.
	Attempts int
}

// Page is one page of runs.
type Page struct {
	Runs       []domain.ExecutionRun
	NextCursor string
}

type Ledger struct {
	store    Store
	releaser SlotReleaser // optional
	metrics  MetricsSink  // optional
	logger   zerolog.Logger
	clock    func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{
		store:  store,
		logger: zerolog.Nop(),
		clock:  time.Now,
	}
}

// WithReleaser attaches the admission controller.
func (l *Ledger) WithReleaser(r SlotReleaser) *Ledger {
	l.releaser = r
	return l
}

func (l *Ledger) WithMetrics(sink MetricsSink) *Ledger {
	l.metrics = sink
	return l
}

func (l *Ledger) WithLogger(logger zerolog.Logger) *Ledger {
	l.logger = logger.With().Str("component", "ledger").Logger()
	return l
}

// WithClock sets the time source. Intended for tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

func (l *Ledger) now() time.Time {
	return l.clock().UTC()
}

// CreateIfAbsent creates a queued run for nr.IdempotencyKey, or returns the
// run that already owns the key.
func (l *Ledger) CreateIfAbsent(ctx context.Context, nr NewRun) (domain.ExecutionRun, bool, error) {
	if nr.IdempotencyKey == "" {
		return domain.ExecutionRun{}, false, ErrMissingKey
	}
	if nr.Source == "" {
		nr.Source = domain.TriggerSourceSchedule
	}

	now := l.now()
	run := domain.ExecutionRun{
		ID:             uuid.New(),
		ScheduleID:     nr.ScheduleID,
		TenantID:       nr.TenantID,
		IdempotencyKey: nr.IdempotencyKey,
		Source:         nr.Source,
		Status:         domain.RunStatusQueued,
		Attempts:       nr.Attempts,
		IntendedFireAt: nr.IntendedFireAt.UTC(),
		CreatedAt:      now,
	}

	got, created, err := l.store.CreateRunIfAbsent(ctx, run)
	if err != nil {
		return domain.ExecutionRun{}, false, fmt.Errorf("create run: %w", err)
	}
	if created {
		if l.metrics != nil {
			l.metrics.RunCreated(string(nr.Source))
		}
		l.logger.Debug().
			Str("run_id", got.ID.String()).
			Str("source", string(nr.Source)).
			Time("intended_fire_at", got.IntendedFireAt).
			Msg("run created")
	}
	return got, created, nil
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (domain.ExecutionRun, error) {
	return l.store.GetRun(ctx, id)
}

func (l *Ledger) GetByKey(ctx context.Context, key string) (domain.ExecutionRun, error) {
	return l.store.GetRunByKey(ctx, key)
}

// List returns a page of runs matching filter, newest first.
func (l *Ledger) List(ctx context.Context, filter RunFilter, cursor string, limit int) (Page, error) {
	after, err := DecodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	limit = NormalizeLimit(limit)

	runs, err := l.store.ListRuns(ctx, filter, after, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("list runs: %w", err)
	}

	page := Page{Runs: runs}
	if len(runs) > limit {
		last := runs[limit-1]
		page.Runs = runs[:limit]
		page.NextCursor = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	return page, nil
}

func (l *Ledger) ListBySchedule(ctx context.Context, scheduleID uuid.UUID, cursor string, limit int) (Page, error) {
	return l.List(ctx, RunFilter{ScheduleID: &scheduleID}, cursor, limit)
}

func (l *Ledger) ListByStatus(ctx context.Context, status domain.RunStatus, cursor string, limit int) (Page, error) {
	return l.List(ctx, RunFilter{Status: status}, cursor, limit)
}

// Claim hands a queued run to exactly one worker.
func (l *Ledger) Claim(ctx context.Context, id uuid.UUID, workerID string) (domain.ExecutionRun, error) {
	run, err := l.store.ClaimRun(ctx, id, workerID, l.now())
	if err != nil {
		return domain.ExecutionRun{}, err
	}
	l.logger.Debug().
		Str("run_id", id.String()).
		Str("worker_id", workerID).
		Int("attempt", run.Attempts).
		Msg("run claimed")
	return run, nil
}

func (l *Ledger) Succeed(ctx context.Context, id uuid.UUID) (domain.ExecutionRun, error) {
	run, err := l.store.TransitionRun(ctx, id, Transition{
		From: []domain.RunStatus{domain.RunStatusRunning},
		To:   domain.RunStatusSucceeded,
		At:   l.now(),
	})
	if err != nil {
		return domain.ExecutionRun{}, err
	}
	l.onTerminal(ctx, run)
	return run, nil
}

// Fail records a final failure.
func (l *Ledger) Fail(ctx context.Context, id uuid.UUID, kind domain.ErrorKind, message string) (domain.ExecutionRun, error) {
	run, err := l.store.TransitionRun(ctx, id, Transition{
		From:          []domain.RunStatus{domain.RunStatusRunning},
		To:            domain.RunStatusFailed,
		Kind:          kind,
		Message:       domain.TruncateMessage(message),
		RecordAttempt: true,
		At:            l.now(),
	})
	if err != nil {
		return domain.ExecutionRun{}, err
	}
	l.onTerminal(ctx, run)
	return run, nil
}

// Requeue records a failed attempt and makes the run claimable again at
// nextAttemptAt. The admission slot stays held.
func (l *Ledger) Requeue(ctx context.Context, id uuid.UUID, kind domain.ErrorKind, message string, nextAttemptAt time.Time) (domain.ExecutionRun, error) {
	next := nextAttemptAt.UTC()
	return l.store.TransitionRun(ctx, id, Transition{
		From:          []domain.RunStatus{domain.RunStatusRunning},
		To:            domain.RunStatusQueued,
		Kind:          kind,
		Message:       domain.TruncateMessage(message),
		NextAttemptAt: &next,
		RecordAttempt: true,
		At:            l.now(),
	})
}

// Abort cancels a queued or running run. Aborting a terminal run is a
// no-op and reports changed=false.
func (l *Ledger) Abort(ctx context.Context, id uuid.UUID, kind domain.ErrorKind, reason string) (domain.ExecutionRun, bool, error) {
	if kind == domain.ErrorKindNone {
		kind = domain.ErrorKindOperatorAbort
	}
	now := l.now()

	run, err := l.store.TransitionRun(ctx, id, Transition{
		From:          []domain.RunStatus{domain.RunStatusQueued, domain.RunStatusRunning},
		To:            domain.RunStatusAborted,
		Kind:          kind,
		Message:       domain.TruncateMessage(reason),
		RecordAttempt: true,
		At:            now,
	})
	if errors.Is(err, ErrTransitionDenied) {
		current, getErr := l.store.GetRun(ctx, id)
		if getErr != nil {
			return domain.ExecutionRun{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return domain.ExecutionRun{}, false, err
	}

	l.onTerminal(ctx, run)

	action := domain.AuditActionAbort
	if kind == domain.ErrorKindStaleClaim {
		action = domain.AuditActionReap
	}
	l.Audit(ctx, run.ID, action, reason)
	return run, true, nil
}

// ReapStale aborts runs that have been running longer than maxDuration and
// returns the runs it aborted.
func (l *Ledger) ReapStale(ctx context.Context, maxDuration time.Duration, limit int) ([]domain.ExecutionRun, error) {
	cutoff := l.now().Add(-maxDuration)
	stale, err := l.store.ListStaleRuns(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}

	var reaped []domain.ExecutionRun
	for _, run := range stale {
		if ctx.Err() != nil {
			break
		}
		reason := fmt.Sprintf("claimed by %s at %s, exceeded %s", run.ClaimedBy, formatTime(run.StartedAt), maxDuration)
		aborted, changed, err := l.Abort(ctx, run.ID, domain.ErrorKindStaleClaim, reason)
		if err != nil {
			l.logger.Error().Err(err).Str("run_id", run.ID.String()).Msg("reap failed")
			continue
		}
		if changed {
			reaped = append(reaped, aborted)
		}
	}

	if len(reaped) > 0 {
		l.logger.Warn().Int("count", len(reaped)).Dur("max_duration", maxDuration).Msg("reaped stale claims")
		if l.metrics != nil {
			l.metrics.RunsReaped(len(reaped))
		}
	}
	return reaped, nil
}

// MarkAdmitted reserves an admission slot for the run on the ledger. It
// returns false when another path admitted it first. The reservation is
// made before the counters are asked, so a counter reconcile never sees a
// slot the ledger does not.
func (l *Ledger) MarkAdmitted(ctx context.Context, id uuid.UUID) (bool, error) {
	return l.store.MarkAdmitted(ctx, id, l.now())
}

// UnmarkAdmitted drops a reservation the counters refused.
func (l *Ledger) UnmarkAdmitted(ctx context.Context, id uuid.UUID) (bool, error) {
	return l.store.UnmarkAdmitted(ctx, id)
}

// ExpireSlots records as released the slots of terminal runs that completed
// more than grace ago without a recorded release. Their release was lost,
// or was never this process's to make.
func (l *Ledger) ExpireSlots(ctx context.Context, grace time.Duration) (int, error) {
	now := l.now()
	return l.store.ExpireSlots(ctx, now.Add(-grace), now)
}

func (l *Ledger) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	return l.store.MarkDispatched(ctx, id, l.now())
}

func (l *Ledger) ListUnadmitted(ctx context.Context, limit int) ([]domain.ExecutionRun, error) {
	return l.store.ListUnadmitted(ctx, limit)
}

// ListDispatchable skips never-dispatched runs admitted within the last
// few seconds; their admission may still be undone.
func (l *Ledger) ListDispatchable(ctx context.Context, orphanAfter time.Duration, limit int) ([]domain.ExecutionRun, error) {
	now := l.now()
	runs, err := l.store.ListDispatchable(ctx, now, now.Add(-orphanAfter), limit)
	if err != nil {
		return nil, err
	}
	settled := now.Add(-reservationSettle)
	kept := runs[:0]
	for _, run := range runs {
		if run.DispatchedAt == nil && run.AdmittedAt != nil && run.AdmittedAt.After(settled) {
			continue
		}
		kept = append(kept, run)
	}
	return kept, nil
}

func (l *Ledger) CountActiveByTenant(ctx context.Context) (map[uuid.UUID]int, error) {
	return l.store.CountActiveByTenant(ctx)
}

func (l *Ledger) CountUnadmitted(ctx context.Context) (int, error) {
	return l.store.CountUnadmitted(ctx)
}

// Audit appends a corrective note. Failures are logged, not returned.
func (l *Ledger) Audit(ctx context.Context, runID uuid.UUID, action, detail string) {
	event := domain.AuditEvent{
		ID:        uuid.New(),
		RunID:     runID,
		Action:    action,
		Detail:    domain.TruncateMessage(detail),
		CreatedAt: l.now(),
	}
	if err := l.store.AppendAudit(ctx, event); err != nil {
		l.logger.Error().Err(err).Str("run_id", runID.String()).Str("action", action).Msg("audit append failed")
	}
}

func (l *Ledger) onTerminal(ctx context.Context, run domain.ExecutionRun) {
	if run.Admitted() {
		released := true
		if l.releaser != nil {
			if err := l.releaser.Release(ctx, run.TenantID); err != nil {
				l.logger.Error().Err(err).
					Str("run_id", run.ID.String()).
					Str("tenant_id", run.TenantID.String()).
					Msg("admission release failed")
				released = false
			}
		}
		// Without a releaser the counters are corrected by reconciliation
		// alone, so the slot is free as soon as the run is terminal.
		if released {
			if err := l.store.MarkReleased(ctx, run.ID, l.now()); err != nil {
				l.logger.Warn().Err(err).Str("run_id", run.ID.String()).Msg("mark released failed")
			}
		}
	}

	if l.metrics != nil {
		d, _ := run.Duration()
		l.metrics.RunCompleted(string(run.Status), d)
	}

	l.logger.Info().
		Str("run_id", run.ID.String()).
		Str("status", string(run.Status)).
		Int("attempts", run.Attempts).
		Str("error_kind", string(run.LastErrorKind)).
		Msg("run finished")
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339)
}
