// Package worker is the generation worker runtime: it consumes work items,
// claims runs on the ledger, asks the report generator to produce them and
// reports each outcome to the retry engine.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/ledger"
	"github.com/djlord-it/reportcron/internal/transport"
)

const tracerName = "github.com/djlord-it/reportcron/worker"

// DrainTimeout bounds how long Run waits for in-flight runs on shutdown.
const DrainTimeout = 30 * time.Second

// Generator produces the report for a claimed run.
type Generator interface {
	Generate(ctx context.Context, run domain.ExecutionRun) error
}

type Runs interface {
	Claim(ctx context.Context, id uuid.UUID, workerID string) (domain.ExecutionRun, error)
}

// Completer records attempt outcomes.
type Completer interface {
	Complete(ctx context.Context, runID uuid.UUID, execErr error) (domain.ExecutionRun, error)
}

// MetricsSink records worker metrics. Methods must not block.
type MetricsSink interface {
	AttemptCompleted(kind string, duration time.Duration)
	ClaimConflict()
	InFlightIncr()
	InFlightDecr()
}

// Outcome label for successful attempts.
const KindSuccess = "success"

type Config struct {
	ID          string
	Concurrency int
	// RunTimeout bounds one generation attempt.
	RunTimeout time.Duration
}

type Worker struct {
	config    Config
	consumer  transport.Consumer
	runs      Runs
	completer Completer
	generator Generator
	sem       *semaphore.Weighted
	metrics   MetricsSink // optional
	logger    zerolog.Logger
	tracer    trace.Tracer
}

func New(config Config, consumer transport.Consumer, runs Runs, completer Completer, generator Generator) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.ID == "" {
		config.ID = uuid.NewString()
	}
	return &Worker{
		config:    config,
		consumer:  consumer,
		runs:      runs,
		completer: completer,
		generator: generator,
		sem:       semaphore.NewWeighted(int64(config.Concurrency)),
		logger:    zerolog.Nop(),
		tracer:    otel.Tracer(tracerName),
	}
}

func (w *Worker) WithMetrics(sink MetricsSink) *Worker {
	w.metrics = sink
	return w
}

func (w *Worker) WithLogger(logger zerolog.Logger) *Worker {
	w.logger = logger.With().Str("component", "worker").Str("worker_id", w.config.ID).Logger()
	return w
}

func (w *Worker) WithTracer(tracer trace.Tracer) *Worker {
	w.tracer = tracer
	return w
}

// Run processes deliveries until ctx is cancelled, then waits up to
// DrainTimeout for in-flight runs.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.consumer.Consume(ctx)
	if err != nil {
		return err
	}
	w.logger.Info().Int("concurrency", w.config.Concurrency).Msg("started")

	for d := range deliveries {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			_ = d.Nack(true)
			break
		}
		go func(d transport.Delivery) {
			defer w.sem.Release(1)
			w.Handle(context.WithoutCancel(ctx), d)
		}(d)
	}

	w.drain()
	w.logger.Info().Msg("stopped")
	return nil
}

func (w *Worker) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()
	if err := w.sem.Acquire(drainCtx, int64(w.config.Concurrency)); err != nil {
		w.logger.Warn().Msg("drain timeout, abandoning in-flight runs to the reaper")
		return
	}
	w.sem.Release(int64(w.config.Concurrency))
}

// Handle runs one delivery to completion and acknowledges it. Deliveries
// for runs that cannot be claimed are acknowledged and dropped, since the
// claim compare-and-set means another worker owns the run or it is done.
func (w *Worker) Handle(ctx context.Context, d transport.Delivery) {
	item := d.Item
	log := w.logger.With().Str("run_id", item.RunID.String()).Int("attempt", item.Attempt).Logger()

	ctx, span := w.tracer.Start(ctx, "worker.run",
		trace.WithAttributes(
			attribute.String("reportcron.run_id", item.RunID.String()),
			attribute.String("reportcron.tenant_id", item.TenantID.String()),
			attribute.Int("reportcron.attempt", item.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	run, err := w.runs.Claim(ctx, item.RunID, w.config.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrClaimConflict) || errors.Is(err, ledger.ErrRunNotFound) {
			if w.metrics != nil {
				w.metrics.ClaimConflict()
			}
			span.SetAttributes(attribute.Bool("reportcron.claim_conflict", true))
			log.Debug().Err(err).Msg("run not claimable, dropping delivery")
			_ = d.Ack()
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Msg("claim failed, requeueing delivery")
		_ = d.Nack(true)
		return
	}

	if w.metrics != nil {
		w.metrics.InFlightIncr()
		defer w.metrics.InFlightDecr()
	}

	start := time.Now()
	genErr := w.generate(ctx, run)
	elapsed := time.Since(start)

	kind := KindSuccess
	if genErr != nil {
		kind = string(domain.Classify(genErr))
		span.RecordError(genErr)
		span.SetStatus(codes.Error, genErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("reportcron.outcome", kind))
	if w.metrics != nil {
		w.metrics.AttemptCompleted(kind, elapsed)
	}

	final, err := w.completer.Complete(ctx, run.ID, genErr)
	if err != nil {
		// Most often the run was aborted while generating.
		log.Warn().Err(err).Msg("complete failed")
	} else {
		log.Info().
			Str("status", string(final.Status)).
			Str("outcome", kind).
			Dur("duration", elapsed).
			Msg("attempt finished")
	}
	if err := d.Ack(); err != nil {
		log.Warn().Err(err).Msg("ack failed")
	}
}

func (w *Worker) generate(ctx context.Context, run domain.ExecutionRun) error {
	if w.config.RunTimeout <= 0 {
		return w.generator.Generate(ctx, run)
	}
	ctx, cancel := context.WithTimeout(ctx, w.config.RunTimeout)
	defer cancel()
	err := w.generator.Generate(ctx, run)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && domain.Classify(err) == domain.ErrorKindInternal {
		return domain.WrapExecutionError(domain.ErrorKindTimeout, err)
	}
	return err
}
