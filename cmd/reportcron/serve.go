package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/djlord-it/reportcron/internal/admission"
	"github.com/djlord-it/reportcron/internal/api"
	"github.com/djlord-it/reportcron/internal/config"
	"github.com/djlord-it/reportcron/internal/cron"
	"github.com/djlord-it/reportcron/internal/enqueue"
	"github.com/djlord-it/reportcron/internal/leaderelection"
	"github.com/djlord-it/reportcron/internal/ledger"
	"github.com/djlord-it/reportcron/internal/metrics"
	"github.com/djlord-it/reportcron/internal/reconciler"
	"github.com/djlord-it/reportcron/internal/retry"
	"github.com/djlord-it/reportcron/internal/scheduler"
	"github.com/djlord-it/reportcron/internal/worker"
)

// stage is one background component with its own context, so shutdown can
// stop components in order.
type stage struct {
	name   string
	cancel context.CancelFunc
	group  errgroup.Group
}

func startStage(name string, run func(ctx context.Context) error) *stage {
	ctx, cancel := context.WithCancel(context.Background())
	s := &stage{name: name, cancel: cancel}
	s.group.Go(func() error {
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
	return s
}

// stop cancels the stage and waits for it. Nil stages are skipped.
func (s *stage) stop(logger zerolog.Logger) {
	if s == nil {
		return
	}
	logger.Info().Str("stage", s.name).Msg("stopping")
	s.cancel()
	if err := s.group.Wait(); err != nil {
		logger.Error().Err(err).Str("stage", s.name).Msg("stopped with error")
		return
	}
	logger.Info().Str("stage", s.name).Msg("stopped")
}

// leaderDuty runs fn while this replica holds leadership.
type leaderDuty struct {
	fn   func(ctx context.Context)
	mu   sync.Mutex
	done chan struct{}
}

func (d *leaderDuty) onElected(ctx context.Context) {
	done := make(chan struct{})
	d.mu.Lock()
	d.done = done
	d.mu.Unlock()
	defer close(done)

	if ctx.Err() != nil {
		return
	}
	d.fn(ctx)
}

func (d *leaderDuty) onDemoted() {
	d.mu.Lock()
	done := d.done
	d.done = nil
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}

func runServe(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	logger = logger.With().Str("replica", cfg.ReplicaID).Logger()
	logConfigWarnings(logger, cfg)

	var db *sql.DB
	if cfg.StoreDriver == config.StorePostgres {
		var err error
		db, err = openDatabase(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	var rdb *redis.Client
	if needsRedis(cfg) {
		var err error
		rdb, err = newRedisClient(ctx, cfg)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	var sink metrics.Sink = metrics.NewNoopSink()
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logger)
		logger.Info().Str("path", cfg.MetricsPath).Msg("metrics enabled")
	}

	store := newBackend(cfg, db)

	policy, err := loadPolicy(cfg)
	if err != nil {
		return &exitError{code: exitInvalidConfig, err: err}
	}
	admit := admission.New(newCounter(cfg, rdb), policy).
		WithFailOpen(cfg.AdmissionFailOpen).
		WithMetrics(sink).
		WithLogger(logger)

	queue, closeQueue, err := newWorkQueue(cfg, sink, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	runs := ledger.New(store).
		WithReleaser(admit).
		WithMetrics(sink).
		WithLogger(logger)
	// Counters are never trusted across restarts.
	if err := admit.Reconcile(ctx, runs.CountActiveByTenant); err != nil {
		logger.Warn().Err(err).Msg("initial admission reconcile failed")
	}

	pipeline := enqueue.New(admit, runs, queue).
		WithMetrics(sink).
		WithLogger(logger)
	engine := retry.NewEngine(runs, store, pipeline, retryPolicy(cfg)).
		WithMetrics(sink).
		WithLogger(logger)

	eval := cron.NewEvaluator()
	sched := scheduler.New(
		scheduler.Config{
			TickInterval: cfg.TickInterval,
			LockTTL:      cfg.LockTTL,
			PageSize:     cfg.SchedulerPageSize,
			MaxCatchUp:   cfg.MaxCatchUp,
			ReplicaID:    cfg.ReplicaID,
		},
		store,
		cron.NewNextFireCache(eval),
		eval,
		newLocker(cfg, db, rdb),
		runs,
		pipeline,
	).WithMetrics(sink).WithLogger(logger)

	handler := api.NewHandler(runs, engine).
		WithTrigger(store, pipeline).
		WithAdmission(admit).
		WithPreview(eval).
		WithLogger(logger)
	if db != nil {
		handler = handler.WithHealthCheck("database", db)
	}
	if rdb != nil {
		handler = handler.WithHealthCheck("redis", api.HealthCheckFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}

	mux := http.NewServeMux()
	if cfg.MetricsEnabled {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	mux.Handle("/", handler)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// A failing server ends the process the same way a signal does.
	servers, serveCtx := errgroup.WithContext(ctx)
	servers.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var watcher *stage
	if cfg.AdmissionPolicyFile != "" {
		watcher = startStage("policy-watcher", func(ctx context.Context) error {
			return admission.WatchPolicy(ctx, cfg.AdmissionPolicyFile, admit, logger)
		})
	}

	schedStage := startStage("scheduler", sched.Run)

	var sweepStage *stage
	if cfg.SweepEnabled {
		sweeper := reconciler.New(
			reconciler.Config{
				Interval:    cfg.SweepInterval,
				StaleAfter:  cfg.StaleAfter,
				OrphanAfter: cfg.OrphanAfter,
				BatchSize:   cfg.SweepBatchSize,
			},
			runs,
			pipeline,
			engine,
		).WithAdmission(admit).WithMetrics(sink).WithLogger(logger)

		if db != nil {
			duty := &leaderDuty{fn: sweeper.Run}
			elector := leaderelection.New(
				db,
				cfg.LeaderLockKey,
				cfg.LeaderRetryInterval,
				cfg.LeaderHeartbeatInterval,
				duty.onElected,
				duty.onDemoted,
			).WithMetrics(sink).WithLogger(logger)
			sweepStage = startStage("sweeper", func(ctx context.Context) error {
				elector.Run(ctx)
				return nil
			})
		} else {
			sweepStage = startStage("sweeper", func(ctx context.Context) error {
				sweeper.Run(ctx)
				return nil
			})
		}
	}

	var workerStage *stage
	if cfg.WorkerEnabled {
		w := worker.New(
			worker.Config{
				ID:          cfg.WorkerID,
				Concurrency: cfg.WorkerConcurrency,
				RunTimeout:  cfg.RunTimeout,
			},
			queue,
			runs,
			engine,
			newGenerator(cfg),
		).WithMetrics(sink).WithLogger(logger)
		workerStage = startStage("worker", w.Run)
	}

	logger.Info().
		Str("store", cfg.StoreDriver).
		Str("lock", cfg.LockBackend).
		Str("admission", cfg.AdmissionBackend).
		Str("dispatch", cfg.DispatchMode).
		Dur("tick", cfg.TickInterval).
		Msg("started")

	<-serveCtx.Done()
	logger.Info().Msg("shutting down")

	// Producers stop before consumers so in-flight attempts can drain.
	schedStage.stop(logger)
	sweepStage.stop(logger)
	workerStage.stop(logger)
	watcher.stop(logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}

	if err := servers.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("stopped")
	return nil
}
