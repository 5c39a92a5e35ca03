// Package enqueue moves a queued run through admission and onto the work
// dispatcher. Every path that creates runs submits them here.
package enqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/reportcron/internal/admission"
	"github.com/djlord-it/reportcron/internal/domain"
)

// Admitter takes admission slots. Slots are returned by the ledger when a
// run reaches a terminal state.
type Admitter interface {
	TryAdmit(ctx context.Context, tenantID uuid.UUID) (admission.Decision, error)
}

// Runs records admission and dispatch on the ledger.
type Runs interface {
	MarkAdmitted(ctx context.Context, id uuid.UUID) (bool, error)
	UnmarkAdmitted(ctx context.Context, id uuid.UUID) (bool, error)
	MarkDispatched(ctx context.Context, id uuid.UUID) error
}

// Dispatcher hands work items to workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, item domain.WorkItem) error
}

// MetricsSink records dispatch metrics. Methods must not block.
type MetricsSink interface {
	WorkDispatched()
	DispatchFailed()
}

type Pipeline struct {
	admitter   Admitter
	runs       Runs
	dispatcher Dispatcher
	metrics    MetricsSink // optional
	logger     zerolog.Logger
	clock      func() time.Time
}

func New(admitter Admitter, runs Runs, dispatcher Dispatcher) *Pipeline {
	return &Pipeline{
		admitter:   admitter,
		runs:       runs,
		dispatcher: dispatcher,
		logger:     zerolog.Nop(),
		clock:      time.Now,
	}
}

func (p *Pipeline) WithMetrics(sink MetricsSink) *Pipeline {
	p.metrics = sink
	return p
}

func (p *Pipeline) WithLogger(logger zerolog.Logger) *Pipeline {
	p.logger = logger.With().Str("component", "enqueue").Logger()
	return p
}

// WithClock sets the time source. Intended for tests.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// Submit admits run if needed and dispatches it if it is due. It returns
// false only when admission denied the run, which leaves it queued for a
// later tick or sweep. Runs that are no longer queued report true.
//
// Admission is reserved on the ledger before a counter slot is taken, and
// the reservation is dropped if the counters refuse. The ledger therefore
// never holds fewer slots than the counters, which is what lets the sweeper
// reset the counters from it.
//
// A dispatch failure is logged and not returned: the run is admitted and
// the sweeper re-dispatches it.
func (p *Pipeline) Submit(ctx context.Context, run domain.ExecutionRun) (bool, error) {
	if run.Status != domain.RunStatusQueued {
		return true, nil
	}

	if !run.Admitted() {
		reserved, err := p.runs.MarkAdmitted(ctx, run.ID)
		if err != nil {
			return false, fmt.Errorf("reserve admission %s: %w", run.ID, err)
		}
		if !reserved {
			// Another replica or the sweeper admitted it first.
			return true, nil
		}

		decision, err := p.admitter.TryAdmit(ctx, run.TenantID)
		if err != nil {
			_ = p.unreserve(ctx, run)
			return false, fmt.Errorf("admit run %s: %w", run.ID, err)
		}
		if !decision.Admitted {
			if err := p.unreserve(ctx, run); err != nil {
				return false, err
			}
			p.logger.Debug().
				Str("run_id", run.ID.String()).
				Str("tenant_id", run.TenantID.String()).
				Str("reason", string(decision.Reason)).
				Msg("run held in backlog")
			return false, nil
		}

		now := p.clock().UTC()
		run.AdmittedAt = &now
	}

	now := p.clock().UTC()
	if run.NextAttemptAt != nil && run.NextAttemptAt.After(now) {
		return true, nil
	}
	if dispatchedForAttempt(run) {
		return true, nil
	}

	if err := p.dispatch(ctx, run, now); err != nil {
		p.logger.Warn().Err(err).Str("run_id", run.ID.String()).Msg("dispatch failed, sweeper will retry")
	}
	return true, nil
}

// Redispatch sends an admitted queued run again regardless of earlier
// dispatches. Duplicate messages are harmless because claiming is a
// compare-and-set.
func (p *Pipeline) Redispatch(ctx context.Context, run domain.ExecutionRun) error {
	if run.Status != domain.RunStatusQueued || !run.Admitted() {
		return nil
	}
	return p.dispatch(ctx, run, p.clock().UTC())
}

func (p *Pipeline) dispatch(ctx context.Context, run domain.ExecutionRun, now time.Time) error {
	if err := p.dispatcher.Dispatch(ctx, domain.NewWorkItem(run, now)); err != nil {
		if p.metrics != nil {
			p.metrics.DispatchFailed()
		}
		return fmt.Errorf("dispatch run %s: %w", run.ID, err)
	}
	if p.metrics != nil {
		p.metrics.WorkDispatched()
	}
	if err := p.runs.MarkDispatched(ctx, run.ID); err != nil {
		p.logger.Warn().Err(err).Str("run_id", run.ID.String()).Msg("mark dispatched failed")
	}
	return nil
}

// unreserve drops an admission reservation the counters did not back. A
// reservation that cannot be dropped stays counted by the ledger, and the
// next counter reconcile takes the slot for it.
func (p *Pipeline) unreserve(ctx context.Context, run domain.ExecutionRun) error {
	dropped, err := p.runs.UnmarkAdmitted(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		p.logger.Error().Err(err).Str("run_id", run.ID.String()).Msg("drop admission reservation failed")
		return fmt.Errorf("drop reservation %s: %w", run.ID, err)
	}
	if !dropped {
		p.logger.Warn().Str("run_id", run.ID.String()).Msg("admission reservation already consumed")
	}
	return nil
}

// dispatchedForAttempt reports whether the current attempt already has a
// message in flight.
func dispatchedForAttempt(run domain.ExecutionRun) bool {
	if run.DispatchedAt == nil {
		return false
	}
	return run.NextAttemptAt == nil || !run.DispatchedAt.Before(*run.NextAttemptAt)
}
