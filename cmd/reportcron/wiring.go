package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/djlord-it/reportcron/internal/admission"
	"github.com/djlord-it/reportcron/internal/api"
	"github.com/djlord-it/reportcron/internal/circuitbreaker"
	"github.com/djlord-it/reportcron/internal/config"
	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/ledger"
	"github.com/djlord-it/reportcron/internal/lock"
	"github.com/djlord-it/reportcron/internal/metrics"
	"github.com/djlord-it/reportcron/internal/retry"
	"github.com/djlord-it/reportcron/internal/scheduler"
	"github.com/djlord-it/reportcron/internal/store/memory"
	"github.com/djlord-it/reportcron/internal/store/postgres"
	"github.com/djlord-it/reportcron/internal/transport"
	"github.com/djlord-it/reportcron/internal/transport/channel"
	"github.com/djlord-it/reportcron/internal/transport/rabbitmq"
	"github.com/djlord-it/reportcron/internal/worker"
)

// backend is everything the process persists. The memory and Postgres
// stores both satisfy it.
type backend interface {
	ledger.Store
	scheduler.Store
	retry.DeadLetterStore
	api.Schedules
}

// workQueue is the dispatch side and the consume side of one transport.
type workQueue interface {
	Dispatch(ctx context.Context, item domain.WorkItem) error
	transport.Consumer
}

// openDatabase opens and pings the Postgres pool.
func openDatabase(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	logger.Info().
		Int("max_open", cfg.DBMaxOpenConns).
		Int("max_idle", cfg.DBMaxIdleConns).
		Dur("max_lifetime", cfg.DBConnMaxLifetime).
		Msg("db pool configured")

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DBOpTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

func newBackend(cfg config.Config, db *sql.DB) backend {
	if cfg.StoreDriver == config.StorePostgres {
		return postgres.New(db).WithOpTimeout(cfg.DBOpTimeout)
	}
	return memory.New()
}

// needsRedis reports whether any backend is configured on Redis.
func needsRedis(cfg config.Config) bool {
	return cfg.LockBackend == config.BackendRedis || cfg.AdmissionBackend == config.BackendRedis
}

func newRedisClient(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DBOpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func newLocker(cfg config.Config, db *sql.DB, rdb *redis.Client) lock.Locker {
	switch cfg.LockBackend {
	case config.BackendRedis:
		return lock.NewRedisLocker(rdb)
	case config.BackendPostgres:
		return lock.NewPostgresLocker(db)
	default:
		return lock.NewMemoryLocker()
	}
}

func newCounter(cfg config.Config, rdb *redis.Client) admission.Counter {
	if cfg.AdmissionBackend == config.BackendRedis {
		return admission.NewRedisCounter(rdb)
	}
	return admission.NewMemoryCounter()
}

func loadPolicy(cfg config.Config) (admission.Policy, error) {
	if cfg.AdmissionPolicyFile == "" {
		return admission.DefaultPolicy(), nil
	}
	return admission.LoadPolicy(cfg.AdmissionPolicyFile)
}

// newWorkQueue builds the configured transport. The returned close func is
// never nil.
func newWorkQueue(cfg config.Config, sink metrics.Sink, logger zerolog.Logger) (workQueue, func() error, error) {
	if cfg.DispatchMode == config.DispatchRabbitMQ {
		d, err := rabbitmq.Dial(rabbitmq.Config{
			URL:      cfg.RabbitMQURL,
			Exchange: cfg.RabbitMQExchange,
			Queue:    cfg.RabbitMQQueue,
			Prefetch: cfg.RabbitMQPrefetch,
		})
		if err != nil {
			return nil, nil, err
		}
		return d.WithLogger(logger), d.Close, nil
	}

	bus := channel.NewBus(cfg.BufferSize,
		channel.WithDispatchTimeout(cfg.DispatchTimeout),
		channel.WithMetrics(sink),
	)
	return bus, func() error { return nil }, nil
}

func newGenerator(cfg config.Config) *worker.HTTPGenerator {
	gen := worker.NewHTTPGenerator(cfg.GeneratorURL, cfg.GeneratorSecret).WithTimeout(cfg.RunTimeout)
	if cfg.CircuitBreakerThreshold > 0 {
		gen = gen.WithCircuitBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}
	return gen
}

func retryPolicy(cfg config.Config) retry.Policy {
	return retry.Policy{
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		MaxAttempts: cfg.RetryMaxAttempts,
		Jitter:      cfg.RetryJitter,
	}
}
