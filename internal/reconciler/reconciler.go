// Package reconciler is the sweeper: it repairs what the scheduler and
// workers leave behind when processes die or admission says no.
//
// Each cycle it reaps stale claims, admits the queued backlog oldest-first,
// re-dispatches admitted runs whose work item was lost, dead-letters failed
// runs whose entry was never written and resets the admission counters from
// ledger truth. Slots of finished runs whose release was never recorded are
// freed once SettleAfter has passed. Every step goes through the ledger
// compare-and-set, so a run touched twice by concurrent sweepers is still
// processed once.
package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/reportcron/internal/admission"
	"github.com/djlord-it/reportcron/internal/domain"
)

var errSweepPartial = errors.New("sweep completed with errors")

type Ledger interface {
	ReapStale(ctx context.Context, maxDuration time.Duration, limit int) ([]domain.ExecutionRun, error)
	ListUnadmitted(ctx context.Context, limit int) ([]domain.ExecutionRun, error)
	ListDispatchable(ctx context.Context, orphanAfter time.Duration, limit int) ([]domain.ExecutionRun, error)
	CountActiveByTenant(ctx context.Context) (map[uuid.UUID]int, error)
	CountUnadmitted(ctx context.Context) (int, error)
	ExpireSlots(ctx context.Context, grace time.Duration) (int, error)
}

type Submitter interface {
	Submit(ctx context.Context, run domain.ExecutionRun) (bool, error)
	Redispatch(ctx context.Context, run domain.ExecutionRun) error
}

// StaleHandler continues reaped runs.
type StaleHandler interface {
	HandleStale(ctx context.Context, reaped domain.ExecutionRun) error
	RepairDeadLetters(ctx context.Context, settle time.Duration, limit int) (int, error)
	Depth(ctx context.Context) (int, error)
}

type Admission interface {
	Reconcile(ctx context.Context, count admission.LedgerCounts) error
}

// MetricsSink records sweeper metrics. Methods must not block.
type MetricsSink interface {
	SweepCompleted(duration time.Duration, err error)
	BacklogDepth(n int)
	DeadLetterDepth(n int)
	RunsRedispatched(n int)
}

// Config holds sweeper configuration.
type Config struct {
	// Interval is how often the sweeper runs.
	// Default: 30 seconds.
	Interval time.Duration

	// StaleAfter is how long a run may stay running before it is reaped.
	// Default: 15 minutes.
	StaleAfter time.Duration

	// OrphanAfter is the age after which a dispatched but unclaimed work
	// item is assumed lost.
	// Default: 5 minutes.
	OrphanAfter time.Duration

	// SettleAfter is how long a finished run may wait for its slot release
	// or dead-letter entry before the sweeper writes it itself.
	// Default: 1 minute.
	SettleAfter time.Duration

	// BatchSize bounds each step per cycle.
	// Default: 100.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		StaleAfter:  15 * time.Minute,
		OrphanAfter: 5 * time.Minute,
		SettleAfter: time.Minute,
		BatchSize:   100,
	}
}

// CycleResult summarises one sweep.
type CycleResult struct {
	Reaped       int
	Admitted     int
	StillQueued  int
	Redispatched int
	Repaired     int
	SlotsExpired int
	Errors       int
}

type Reconciler struct {
	config    Config
	ledger    Ledger
	submitter Submitter
	stale     StaleHandler
	admission Admission // optional
	metrics   MetricsSink
	logger    zerolog.Logger
}

func New(config Config, ledger Ledger, submitter Submitter, stale StaleHandler) *Reconciler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = def.StaleAfter
	}
	if config.OrphanAfter <= 0 {
		config.OrphanAfter = def.OrphanAfter
	}
	if config.SettleAfter <= 0 {
		config.SettleAfter = def.SettleAfter
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	return &Reconciler{
		config:    config,
		ledger:    ledger,
		submitter: submitter,
		stale:     stale,
		logger:    zerolog.Nop(),
	}
}

// WithAdmission enables periodic counter reconciliation.
func (r *Reconciler) WithAdmission(a Admission) *Reconciler {
	r.admission = a
	return r
}

func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

func (r *Reconciler) WithLogger(logger zerolog.Logger) *Reconciler {
	r.logger = logger.With().Str("component", "sweeper").Logger()
	return r
}

// Run sweeps immediately and then every Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("interval", r.config.Interval).
		Dur("stale_after", r.config.StaleAfter).
		Dur("orphan_after", r.config.OrphanAfter).
		Dur("settle_after", r.config.SettleAfter).
		Int("batch", r.config.BatchSize).
		Msg("started")

	r.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep. Step failures are logged and counted; the
// remaining steps still run.
func (r *Reconciler) RunCycle(ctx context.Context) CycleResult {
	start := time.Now()
	var res CycleResult

	r.reap(ctx, &res)
	r.admitBacklog(ctx, &res)
	r.redispatch(ctx, &res)
	r.repairDeadLetters(ctx, &res)
	r.reconcileAdmission(ctx, &res)
	r.publishDepths(ctx, &res)

	if r.metrics != nil {
		var err error
		if res.Errors > 0 {
			err = errSweepPartial
		}
		r.metrics.SweepCompleted(time.Since(start), err)
		r.metrics.RunsRedispatched(res.Redispatched)
	}
	if res.Reaped+res.Admitted+res.Redispatched+res.Repaired+res.SlotsExpired+res.Errors > 0 {
		r.logger.Info().
			Int("reaped", res.Reaped).
			Int("admitted", res.Admitted).
			Int("still_queued", res.StillQueued).
			Int("redispatched", res.Redispatched).
			Int("repaired", res.Repaired).
			Int("slots_expired", res.SlotsExpired).
			Int("errors", res.Errors).
			Msg("cycle complete")
	}
	return res
}

func (r *Reconciler) reap(ctx context.Context, res *CycleResult) {
	reaped, err := r.ledger.ReapStale(ctx, r.config.StaleAfter, r.config.BatchSize)
	if err != nil {
		r.logger.Error().Err(err).Msg("reap failed")
		res.Errors++
		return
	}
	res.Reaped = len(reaped)
	for _, run := range reaped {
		if err := r.stale.HandleStale(ctx, run); err != nil {
			r.logger.Error().Err(err).Str("run_id", run.ID.String()).Msg("handle stale run failed")
			res.Errors++
		}
	}
}

func (r *Reconciler) admitBacklog(ctx context.Context, res *CycleResult) {
	backlog, err := r.ledger.ListUnadmitted(ctx, r.config.BatchSize)
	if err != nil {
		r.logger.Error().Err(err).Msg("list unadmitted failed")
		res.Errors++
		return
	}
	for _, run := range backlog {
		if ctx.Err() != nil {
			return
		}
		admitted, err := r.submitter.Submit(ctx, run)
		if err != nil {
			r.logger.Error().Err(err).Str("run_id", run.ID.String()).Msg("submit backlog run failed")
			res.Errors++
			continue
		}
		if admitted {
			res.Admitted++
		} else {
			res.StillQueued++
		}
	}
}

func (r *Reconciler) redispatch(ctx context.Context, res *CycleResult) {
	runs, err := r.ledger.ListDispatchable(ctx, r.config.OrphanAfter, r.config.BatchSize)
	if err != nil {
		r.logger.Error().Err(err).Msg("list dispatchable failed")
		res.Errors++
		return
	}
	for _, run := range runs {
		if ctx.Err() != nil {
			return
		}
		if err := r.submitter.Redispatch(ctx, run); err != nil {
			r.logger.Warn().Err(err).Str("run_id", run.ID.String()).Msg("redispatch failed")
			res.Errors++
			continue
		}
		res.Redispatched++
	}
}

func (r *Reconciler) repairDeadLetters(ctx context.Context, res *CycleResult) {
	n, err := r.stale.RepairDeadLetters(ctx, r.config.SettleAfter, r.config.BatchSize)
	res.Repaired = n
	if err != nil {
		r.logger.Error().Err(err).Msg("repair dead letters failed")
		res.Errors++
	}
}

func (r *Reconciler) reconcileAdmission(ctx context.Context, res *CycleResult) {
	if r.admission == nil {
		return
	}
	expired, err := r.ledger.ExpireSlots(ctx, r.config.SettleAfter)
	if err != nil {
		r.logger.Error().Err(err).Msg("expire slots failed")
		res.Errors++
	}
	res.SlotsExpired = expired
	if err := r.admission.Reconcile(ctx, r.ledger.CountActiveByTenant); err != nil {
		r.logger.Error().Err(err).Msg("admission reconcile failed")
		res.Errors++
	}
}

func (r *Reconciler) publishDepths(ctx context.Context, res *CycleResult) {
	if r.metrics == nil {
		return
	}
	if n, err := r.ledger.CountUnadmitted(ctx); err == nil {
		r.metrics.BacklogDepth(n)
	} else {
		res.Errors++
	}
	if n, err := r.stale.Depth(ctx); err == nil {
		r.metrics.DeadLetterDepth(n)
	} else {
		res.Errors++
	}
}
