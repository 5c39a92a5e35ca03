// Command worker consumes work items from RabbitMQ and runs report
// generation against the shared Postgres ledger.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/djlord-it/reportcron/internal/admission"
	"github.com/djlord-it/reportcron/internal/circuitbreaker"
	"github.com/djlord-it/reportcron/internal/config"
	"github.com/djlord-it/reportcron/internal/enqueue"
	"github.com/djlord-it/reportcron/internal/ledger"
	"github.com/djlord-it/reportcron/internal/logging"
	"github.com/djlord-it/reportcron/internal/metrics"
	"github.com/djlord-it/reportcron/internal/retry"
	"github.com/djlord-it/reportcron/internal/store/postgres"
	"github.com/djlord-it/reportcron/internal/transport/rabbitmq"
	"github.com/djlord-it/reportcron/internal/worker"

	_ "github.com/lib/pq"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitInvalidConfig)
	}
	if err := config.ValidateWorker(cfg, true); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitInvalidConfig)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr).With().Str("process", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error().Err(err).Msg("worker failed")
		os.Exit(exitRuntimeError)
	}
	os.Exit(exitSuccess)
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DBOpTimeout)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	var sink metrics.Sink = metrics.NewNoopSink()
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logger)
	}

	queue, err := rabbitmq.Dial(rabbitmq.Config{
		URL:      cfg.RabbitMQURL,
		Exchange: cfg.RabbitMQExchange,
		Queue:    cfg.RabbitMQQueue,
		Prefetch: cfg.RabbitMQPrefetch,
	})
	if err != nil {
		return err
	}
	defer queue.Close()
	queue = queue.WithLogger(logger)

	policy := admission.DefaultPolicy()
	if cfg.AdmissionPolicyFile != "" {
		if policy, err = admission.LoadPolicy(cfg.AdmissionPolicyFile); err != nil {
			return err
		}
	}

	// Slots are released where they are counted. A process-local counter
	// would release slots this process never took, so without Redis the
	// sweeper's reconciliation corrects the scheduler's counts instead.
	var counter admission.Counter = admission.NewMemoryCounter()
	shared := cfg.AdmissionBackend == config.BackendRedis
	if shared {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		counter = admission.NewRedisCounter(rdb)
	} else {
		logger.Warn().Msg("ADMISSION_BACKEND=memory: admission slots are released by sweeper reconciliation only")
	}
	admit := admission.New(counter, policy).
		WithFailOpen(cfg.AdmissionFailOpen).
		WithMetrics(sink).
		WithLogger(logger)

	store := postgres.New(db).WithOpTimeout(cfg.DBOpTimeout)
	runs := ledger.New(store).WithMetrics(sink).WithLogger(logger)
	if shared {
		runs = runs.WithReleaser(admit)
	}
	pipeline := enqueue.New(admit, runs, queue).WithMetrics(sink).WithLogger(logger)
	engine := retry.NewEngine(runs, store, pipeline, retry.Policy{
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		MaxAttempts: cfg.RetryMaxAttempts,
		Jitter:      cfg.RetryJitter,
	}).WithMetrics(sink).WithLogger(logger)

	gen := worker.NewHTTPGenerator(cfg.GeneratorURL, cfg.GeneratorSecret).WithTimeout(cfg.RunTimeout)
	if cfg.CircuitBreakerThreshold > 0 {
		gen = gen.WithCircuitBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}

	w := worker.New(
		worker.Config{
			ID:          cfg.WorkerID,
			Concurrency: cfg.WorkerConcurrency,
			RunTimeout:  cfg.RunTimeout,
		},
		queue,
		runs,
		engine,
		gen,
	).WithMetrics(sink).WithLogger(logger)

	g, gctx := errgroup.WithContext(ctx)

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.HTTPAddr).Str("path", cfg.MetricsPath).Msg("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		// Run drains in-flight attempts before returning.
		err := w.Run(gctx)
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
			defer cancel()
			if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
				logger.Error().Err(serr).Msg("metrics server shutdown")
			}
		}
		return err
	})

	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Str("queue", cfg.RabbitMQQueue).Msg("started")
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("stopped")
	return nil
}
