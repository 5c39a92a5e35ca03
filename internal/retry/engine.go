// Package retry decides what happens to a run after an attempt: success,
// a delayed retry, or the dead-letter queue.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/ledger"
)

var (
	ErrNotReplayable = errors.New("dead-letter entry is not replayable")
	ErrRunNotRunning = errors.New("run is not running")
)

// Runs is the subset of the ledger the engine drives.
type Runs interface {
	Get(ctx context.Context, id uuid.UUID) (domain.ExecutionRun, error)
	CreateIfAbsent(ctx context.Context, nr ledger.NewRun) (domain.ExecutionRun, bool, error)
	Succeed(ctx context.Context, id uuid.UUID) (domain.ExecutionRun, error)
	Fail(ctx context.Context, id uuid.UUID, kind domain.ErrorKind, message string) (domain.ExecutionRun, error)
	Requeue(ctx context.Context, id uuid.UUID, kind domain.ErrorKind, message string, nextAttemptAt time.Time) (domain.ExecutionRun, error)
	Audit(ctx context.Context, runID uuid.UUID, action, detail string)
}

// Submitter admits and dispatches a queued run.
type Submitter interface {
	Submit(ctx context.Context, run domain.ExecutionRun) (bool, error)
}

// MetricsSink records retry metrics. Methods must not block.
type MetricsSink interface {
	RetryScheduled(kind string)
	DeadLettered(kind string)
	DeadLetterReplayed()
}

// DeadLetterPage is one page of dead-letter entries.
type DeadLetterPage struct {
	Entries    []domain.DeadLetterEntry
	NextCursor string
}

type Engine struct {
	runs      Runs
	dlq       DeadLetterStore
	submitter Submitter
	policy    Policy
	metrics   MetricsSink // optional
	logger    zerolog.Logger
	clock     func() time.Time
	rand      func() float64
}

func NewEngine(runs Runs, dlq DeadLetterStore, submitter Submitter, policy Policy) *Engine {
	return &Engine{
		runs:      runs,
		dlq:       dlq,
		submitter: submitter,
		policy:    policy,
		logger:    zerolog.Nop(),
		clock:     time.Now,
		rand:      rand.Float64,
	}
}

func (e *Engine) WithMetrics(sink MetricsSink) *Engine {
	e.metrics = sink
	return e
}

func (e *Engine) WithLogger(logger zerolog.Logger) *Engine {
	e.logger = logger.With().Str("component", "retry").Logger()
	return e
}

// WithClock sets the time source. Intended for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithRand sets the jitter source. Intended for tests.
func (e *Engine) WithRand(r func() float64) *Engine {
	e.rand = r
	return e
}

func (e *Engine) Policy() Policy {
	return e.policy
}

// Complete records the outcome of the current attempt of a running run.
// A nil execErr means success.
func (e *Engine) Complete(ctx context.Context, runID uuid.UUID, execErr error) (domain.ExecutionRun, error) {
	if execErr == nil {
		return e.runs.Succeed(ctx, runID)
	}

	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		return domain.ExecutionRun{}, err
	}
	if run.Status != domain.RunStatusRunning {
		return run, fmt.Errorf("%w: %s", ErrRunNotRunning, run.Status)
	}

	kind := domain.Classify(execErr)
	message := execErr.Error()

	if kind.Retryable() && !e.policy.Exhausted(run.Attempts) {
		delay := e.policy.Delay(run.Attempts, e.rand())
		requeued, err := e.runs.Requeue(ctx, runID, kind, message, e.clock().Add(delay))
		if err != nil {
			return domain.ExecutionRun{}, err
		}
		if e.metrics != nil {
			e.metrics.RetryScheduled(string(kind))
		}
		e.logger.Info().
			Str("run_id", runID.String()).
			Str("error_kind", string(kind)).
			Int("attempt", run.Attempts).
			Dur("delay", delay).
			Msg("retry scheduled")
		return requeued, nil
	}

	failed, err := e.runs.Fail(ctx, runID, kind, message)
	if err != nil {
		return domain.ExecutionRun{}, err
	}
	if _, err := e.deadLetter(ctx, failed); err != nil {
		return failed, err
	}
	return failed, nil
}

// RepairDeadLetters dead-letters failed runs whose entry was never written,
// which happens when the push fails after the run is marked failed. Runs
// younger than settle are left to the attempt that failed them.
func (e *Engine) RepairDeadLetters(ctx context.Context, settle time.Duration, limit int) (int, error) {
	runs, err := e.dlq.ListMissingDeadLetters(ctx, e.clock().Add(-settle), limit)
	if err != nil {
		return 0, fmt.Errorf("list missing dead letters: %w", err)
	}
	repaired := 0
	for _, run := range runs {
		if _, err := e.deadLetter(ctx, run); err != nil {
			return repaired, err
		}
		repaired++
	}
	if repaired > 0 {
		e.logger.Warn().Int("count", repaired).Msg("repaired missing dead letters")
	}
	return repaired, nil
}

// HandleStale continues a reaped run: under a fresh reap key while budget
// remains, otherwise into the dead-letter queue.
func (e *Engine) HandleStale(ctx context.Context, reaped domain.ExecutionRun) error {
	if e.policy.Exhausted(reaped.Attempts) {
		_, err := e.deadLetter(ctx, reaped)
		return err
	}

	run, created, err := e.runs.CreateIfAbsent(ctx, ledger.NewRun{
		ScheduleID:     reaped.ScheduleID,
		TenantID:       reaped.TenantID,
		IdempotencyKey: ledger.ReapKey(reaped.IdempotencyKey, reaped.ID),
		Source:         domain.TriggerSourceReap,
		IntendedFireAt: reaped.IntendedFireAt,
		Attempts:       reaped.Attempts,
	})
	if err != nil {
		return fmt.Errorf("requeue reaped run: %w", err)
	}
	if created {
		e.logger.Info().
			Str("reaped_run_id", reaped.ID.String()).
			Str("run_id", run.ID.String()).
			Int("attempts", run.Attempts).
			Msg("reaped run requeued")
	}
	if run.Status != domain.RunStatusQueued {
		return nil
	}
	if _, err := e.submitter.Submit(ctx, run); err != nil {
		return fmt.Errorf("submit reaped run: %w", err)
	}
	return nil
}

// Replay creates a new run for a dead-lettered one. The same nonce always
// yields the same run. An empty nonce uses one derived from the entry id.
func (e *Engine) Replay(ctx context.Context, entryID uuid.UUID, nonce string) (domain.ExecutionRun, error) {
	entry, err := e.dlq.GetDeadLetter(ctx, entryID)
	if err != nil {
		return domain.ExecutionRun{}, err
	}
	if nonce == "" {
		nonce = "r" + entryID.String()
	}
	if !entry.ReplayEligible && entry.ReplayNonce != nonce {
		return domain.ExecutionRun{}, ErrNotReplayable
	}

	run, created, err := e.runs.CreateIfAbsent(ctx, ledger.NewRun{
		ScheduleID:     entry.ScheduleID,
		TenantID:       entry.TenantID,
		IdempotencyKey: ledger.ReplayKey(entry.IdempotencyKey, nonce),
		Source:         domain.TriggerSourceReplay,
		IntendedFireAt: e.clock(),
	})
	if err != nil {
		return domain.ExecutionRun{}, fmt.Errorf("create replay run: %w", err)
	}

	if run.Status == domain.RunStatusQueued {
		if _, err := e.submitter.Submit(ctx, run); err != nil {
			return domain.ExecutionRun{}, fmt.Errorf("submit replay run: %w", err)
		}
	}

	marked, err := e.dlq.MarkReplayed(ctx, entryID, nonce, run.ID, e.clock())
	if err != nil {
		return domain.ExecutionRun{}, fmt.Errorf("mark replayed: %w", err)
	}
	if marked {
		e.runs.Audit(ctx, entry.RunID, domain.AuditActionReplay, fmt.Sprintf("replayed as run %s", run.ID))
		if e.metrics != nil {
			e.metrics.DeadLetterReplayed()
		}
	}
	if created {
		e.logger.Info().
			Str("entry_id", entryID.String()).
			Str("original_run_id", entry.RunID.String()).
			Str("run_id", run.ID.String()).
			Msg("dead letter replayed")
	}
	return run, nil
}

func (e *Engine) GetDeadLetter(ctx context.Context, id uuid.UUID) (domain.DeadLetterEntry, error) {
	return e.dlq.GetDeadLetter(ctx, id)
}

// ListDeadLetters returns a page of entries, newest first.
func (e *Engine) ListDeadLetters(ctx context.Context, pendingOnly bool, tenantID *uuid.UUID, cursor string, limit int) (DeadLetterPage, error) {
	after, err := ledger.DecodeCursor(cursor)
	if err != nil {
		return DeadLetterPage{}, err
	}
	limit = ledger.NormalizeLimit(limit)

	entries, err := e.dlq.ListDeadLetters(ctx, ListOptions{
		PendingOnly: pendingOnly,
		TenantID:    tenantID,
		After:       after,
		Limit:       limit + 1,
	})
	if err != nil {
		return DeadLetterPage{}, fmt.Errorf("list dead letters: %w", err)
	}

	page := DeadLetterPage{Entries: entries}
	if len(entries) > limit {
		last := entries[limit-1]
		page.Entries = entries[:limit]
		page.NextCursor = ledger.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	return page, nil
}

// Depth is the number of entries awaiting replay.
func (e *Engine) Depth(ctx context.Context) (int, error) {
	return e.dlq.CountDeadLetters(ctx, true)
}

func (e *Engine) deadLetter(ctx context.Context, run domain.ExecutionRun) (domain.DeadLetterEntry, error) {
	kind := run.LastErrorKind
	if kind == domain.ErrorKindNone {
		kind = domain.ErrorKindInternal
	}
	entry, created, err := e.dlq.PushDeadLetter(ctx, domain.DeadLetterEntry{
		ID:             uuid.New(),
		RunID:          run.ID,
		ScheduleID:     run.ScheduleID,
		TenantID:       run.TenantID,
		IdempotencyKey: run.IdempotencyKey,
		Kind:           kind,
		Class:          kind.Class(),
		History:        run.History,
		ReplayEligible: true,
		CreatedAt:      e.clock().UTC(),
	})
	if err != nil {
		e.logger.Error().Err(err).Str("run_id", run.ID.String()).Msg("dead-letter push failed")
		return domain.DeadLetterEntry{}, fmt.Errorf("push dead letter: %w", err)
	}
	if created {
		if e.metrics != nil {
			e.metrics.DeadLettered(string(kind))
		}
		e.logger.Warn().
			Str("run_id", run.ID.String()).
			Str("entry_id", entry.ID.String()).
			Str("error_kind", string(kind)).
			Int("attempts", run.Attempts).
			Msg("run dead-lettered")
	}
	return entry, nil
}
