package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/djlord-it/reportcron/internal/cron"
	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/ledger"
	"github.com/djlord-it/reportcron/internal/lock"
)

const tracerName = "github.com/djlord-it/reportcron/scheduler"

type Store interface {
	// ListDueSchedules pages active schedules, ordered by id, whose
	// persisted next-fire is due or was computed for an older version.
	ListDueSchedules(ctx context.Context, now time.Time, afterID uuid.UUID, limit int) ([]domain.Schedule, error)
	// AdvanceNextFire persists next only if the schedule is still at
	// version and next moves forward.
	AdvanceNextFire(ctx context.Context, id uuid.UUID, version int64, next, computedAt time.Time) (bool, error)
}

type NextFireCache interface {
	Get(s domain.Schedule) (time.Time, int64, error)
	Put(id uuid.UUID, nextFire time.Time, version int64)
	Invalidate(id uuid.UUID)
}

type Evaluator interface {
	NextFireAfter(rule, timezone string, after time.Time) (time.Time, error)
}

type Runs interface {
	CreateIfAbsent(ctx context.Context, nr ledger.NewRun) (domain.ExecutionRun, bool, error)
}

type Submitter interface {
	Submit(ctx context.Context, run domain.ExecutionRun) (bool, error)
}

// MetricsSink records scheduler metrics. Methods must not block.
type MetricsSink interface {
	TickCompleted(duration time.Duration, evaluated, fired int, err error)
	ScheduleEvaluated()
	TriggerFired(lag time.Duration)
	LockContended()
	LockError()
	AdmissionBacklogged()
}

type Config struct {
	TickInterval time.Duration
	LockTTL      time.Duration
	PageSize     int
	// MaxCatchUp bounds the occurrences fired per schedule per tick. The
	// rest stay due and fire on later ticks.
	MaxCatchUp int
	// ReplicaID is the lock holder token. Defaults to a random id.
	ReplicaID string
}

const (
	DefaultPageSize   = 100
	DefaultMaxCatchUp = 10
)

type Scheduler struct {
	config    Config
	store     Store
	cache     NextFireCache
	eval      Evaluator
	locker    lock.Locker
	runs      Runs
	submitter Submitter
	metrics   MetricsSink // optional
	logger    zerolog.Logger
	tracer    trace.Tracer
	clock     func() time.Time
}

func New(config Config, store Store, cache NextFireCache, eval Evaluator, locker lock.Locker, runs Runs, submitter Submitter) *Scheduler {
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.MaxCatchUp <= 0 {
		config.MaxCatchUp = DefaultMaxCatchUp
	}
	if config.ReplicaID == "" {
		config.ReplicaID = uuid.NewString()
	}
	return &Scheduler{
		config:    config,
		store:     store,
		cache:     cache,
		eval:      eval,
		locker:    locker,
		runs:      runs,
		submitter: submitter,
		logger:    zerolog.Nop(),
		tracer:    otel.Tracer(tracerName),
		clock:     time.Now,
	}
}

func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

func (s *Scheduler) WithLogger(logger zerolog.Logger) *Scheduler {
	s.logger = logger.With().Str("component", "scheduler").Str("replica", s.config.ReplicaID).Logger()
	return s
}

func (s *Scheduler) WithTracer(tracer trace.Tracer) *Scheduler {
	s.tracer = tracer
	return s
}

// WithClock sets the time source. Intended for tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.logger.Info().Dur("tick", s.config.TickInterval).Dur("lock_ttl", s.config.LockTTL).Msg("started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error().Err(err).Msg("tick failed")
			}
		}
	}
}

type tickStats struct {
	evaluated int
	fired     int
}

// Tick evaluates every due schedule once.
func (s *Scheduler) Tick(ctx context.Context) (err error) {
	start := s.clock()
	now := start.UTC()
	var stats tickStats

	ctx, span := s.tracer.Start(ctx, "scheduler.tick", trace.WithSpanKind(trace.SpanKindInternal))
	defer func() {
		span.SetAttributes(
			attribute.Int("reportcron.schedules_evaluated", stats.evaluated),
			attribute.Int("reportcron.triggers_fired", stats.fired),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if s.metrics != nil {
			s.metrics.TickCompleted(s.clock().Sub(start), stats.evaluated, stats.fired, err)
		}
	}()

	afterID := uuid.Nil
	for {
		page, err := s.store.ListDueSchedules(ctx, now, afterID, s.config.PageSize)
		if err != nil {
			return fmt.Errorf("list due schedules: %w", err)
		}

		for _, sched := range page {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			stats.evaluated++
			stats.fired += s.processSchedule(ctx, sched, now)
		}

		if len(page) < s.config.PageSize {
			return nil
		}
		afterID = page[len(page)-1].ID
	}
}

// processSchedule fires the due occurrences of one schedule and returns
// how many runs it created.
func (s *Scheduler) processSchedule(ctx context.Context, sched domain.Schedule, now time.Time) int {
	log := s.logger.With().Str("schedule_id", sched.ID.String()).Logger()

	next, version, err := s.cache.Get(sched)
	if err != nil {
		log.Error().Err(err).Str("rule", sched.CronExpression).Str("timezone", sched.Timezone).Msg("cannot evaluate schedule")
		return 0
	}
	if s.metrics != nil {
		s.metrics.ScheduleEvaluated()
	}

	if persisted, ok := sched.CachedNextFire(); !ok || !persisted.Equal(next) {
		advanced, err := s.store.AdvanceNextFire(ctx, sched.ID, version, next, now)
		if err != nil {
			log.Error().Err(err).Msg("persist next fire failed")
		} else if !advanced {
			s.cache.Invalidate(sched.ID)
		}
	}
	if next.After(now) {
		return 0
	}

	lockKey := "schedule:" + sched.ID.String()
	acquired, err := s.locker.TryAcquire(ctx, lockKey, s.config.ReplicaID, s.config.LockTTL)
	switch {
	case err != nil:
		// The ledger still deduplicates, so proceed without the lock.
		if s.metrics != nil {
			s.metrics.LockError()
		}
		log.Warn().Err(err).Msg("trigger lock unavailable, proceeding")
	case !acquired:
		if s.metrics != nil {
			s.metrics.LockContended()
		}
		log.Debug().Msg("trigger lock held by another replica")
		return 0
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lockKey, s.config.ReplicaID); err != nil {
			log.Warn().Err(err).Msg("trigger lock release failed")
		}
	}()

	fired := 0
	fire := next
	for i := 0; i < s.config.MaxCatchUp && !fire.After(now); i++ {
		following, advance, created := s.fireOccurrence(ctx, log, sched, fire, now)
		if created {
			fired++
		}
		if !advance {
			break
		}
		if following.IsZero() {
			break
		}

		ok, err := s.store.AdvanceNextFire(ctx, sched.ID, version, following, now)
		if err != nil {
			log.Error().Err(err).Msg("advance next fire failed")
			break
		}
		if !ok {
			// Edited or advanced elsewhere; the next tick starts fresh.
			s.cache.Invalidate(sched.ID)
			break
		}
		s.cache.Put(sched.ID, following, version)
		fire = following
	}
	return fired
}

// fireOccurrence creates and submits the run for one occurrence. It returns
// the following occurrence, whether the schedule may advance past fire,
// and whether a run was created.
func (s *Scheduler) fireOccurrence(ctx context.Context, log zerolog.Logger, sched domain.Schedule, fire, now time.Time) (time.Time, bool, bool) {
	scheduleID := sched.ID
	run, created, err := s.runs.CreateIfAbsent(ctx, ledger.NewRun{
		ScheduleID:     &scheduleID,
		TenantID:       sched.TenantID,
		IdempotencyKey: ledger.ScheduleKey(sched.ID, fire),
		Source:         domain.TriggerSourceSchedule,
		IntendedFireAt: fire,
	})
	if err != nil {
		log.Error().Err(err).Time("intended_fire_at", fire).Msg("create run failed")
		return time.Time{}, false, false
	}
	if created && s.metrics != nil {
		s.metrics.TriggerFired(now.Sub(fire))
	}

	admitted, err := s.submitter.Submit(ctx, run)
	if err != nil {
		log.Error().Err(err).Str("run_id", run.ID.String()).Msg("submit failed")
		return time.Time{}, false, created
	}
	if !admitted {
		if s.metrics != nil {
			s.metrics.AdmissionBacklogged()
		}
		log.Info().
			Str("run_id", run.ID.String()).
			Str("tenant_id", sched.TenantID.String()).
			Time("intended_fire_at", fire).
			Msg("admission denied, run left queued")
		return time.Time{}, false, created
	}

	if created {
		log.Info().
			Str("run_id", run.ID.String()).
			Time("intended_fire_at", fire).
			Dur("lag", now.Sub(fire)).
			Msg("trigger fired")
	}

	following, err := s.eval.NextFireAfter(sched.CronExpression, sched.Location(), fire)
	if errors.Is(err, cron.ErrNoMoreOccurrences) {
		log.Warn().Msg("schedule has no further occurrences")
		return time.Time{}, true, created
	}
	if err != nil {
		log.Error().Err(err).Msg("compute following occurrence failed")
		return time.Time{}, false, created
	}
	return following, true, created
}
