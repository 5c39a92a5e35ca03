// Package leaderelection picks the one replica that runs the sweeper.
//
// A single Postgres session-scoped advisory lock determines the leader.
// The lock is held for the lifetime of the dedicated database connection;
// there is no renewal or TTL. If the connection dies, Postgres releases the
// lock server-side (timing depends on TCP keepalive settings).
//
// The heartbeat ping exists solely to detect local connection death so the
// leader can stop its duties promptly. It does NOT renew the lock.
//
// Leadership is an efficiency measure only. Trigger firing never depends on
// it, and the sweeper's ledger writes are compare-and-set, so two leaders
// during a handover duplicate work without corrupting state.
package leaderelection

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
)

// DefaultLockKey is the advisory lock id for the sweeper role.
const DefaultLockKey int64 = 0x7265706f7274 // "report"

// Reasons passed to LeaderLost.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Elector manages leader election using a Postgres advisory lock.
type Elector struct {
	db                *sql.DB
	lockKey           int64
	retryInterval     time.Duration // follower: how often to attempt lock acquisition
	heartbeatInterval time.Duration // leader: how often to ping dedicated connection
	onElected         func(ctx context.Context)
	onDemoted         func()
	metrics           MetricsSink // optional, nil = disabled
	logger            zerolog.Logger
}

// New creates a new Elector.
//
// onElected is called in a new goroutine when this instance acquires the lock.
// The provided context is cancelled when leadership is lost.
//
// onDemoted is called synchronously when leadership is lost.
// It should stop leader duties and block until they are fully stopped.
// It must be idempotent.
func New(
	db *sql.DB,
	lockKey int64,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
) *Elector {
	return &Elector{
		db:                db,
		lockKey:           lockKey,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		onElected:         onElected,
		onDemoted:         onDemoted,
		logger:            zerolog.Nop(),
	}
}

func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

func (e *Elector) WithLogger(logger zerolog.Logger) *Elector {
	e.logger = logger.With().Str("component", "leader").Int64("lock_key", e.lockKey).Logger()
	return e
}

// Run starts the leader election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Info().
		Dur("retry", e.retryInterval).
		Dur("heartbeat", e.heartbeatInterval).
		Msg("starting election loop")

	for {
		if ctx.Err() != nil {
			break
		}

		reason := e.runOnce(ctx)
		if ctx.Err() != nil {
			break
		}
		if reason != "" {
			e.logger.Warn().Str("reason", reason).Dur("retry_in", e.retryInterval).Msg("lost leadership")
		}

		select {
		case <-ctx.Done():
		case <-time.After(e.retryInterval):
		}
	}
	e.logger.Info().Msg("election loop stopped")
}

// runOnce attempts to acquire the advisory lock and hold it.
// Returns the reason leadership was lost ("" if lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	// Advisory lock is session-scoped: must use a dedicated connection.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to acquire dedicated connection")
		return ""
	}
	defer conn.Close()

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.lockKey).Scan(&acquired)
	if err != nil {
		e.logger.Error().Err(err).Msg("advisory lock query failed")
		return ""
	}
	if !acquired {
		e.logger.Debug().Msg("lock held by another replica")
		return ""
	}

	e.logger.Info().Msg("acquired leadership")
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	reason := e.holdLock(ctx, conn)

	cancelLeader()
	e.onDemoted()

	if reason == ReasonShutdown {
		// conn.Close returns the session to the pool, which would keep the lock.
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", e.lockKey)
	}

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}
	e.logger.Info().Str("reason", reason).Msg("released leadership")
	return reason
}

// holdLock blocks while pinging the dedicated connection.
// Returns the reason the lock was lost.
func (e *Elector) holdLock(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				e.logger.Error().Err(err).Msg("dedicated connection ping failed")
				return ReasonConnLost
			}
		}
	}
}
