package main

import (
	"github.com/rs/zerolog"

	"github.com/djlord-it/reportcron/internal/config"
)

// logConfigWarnings logs combinations that are valid but likely to
// surprise an operator. P0 means runs can be lost or stall, P1 means
// reduced visibility or guarantees.
func logConfigWarnings(logger zerolog.Logger, cfg config.Config) {
	if cfg.DispatchMode == config.DispatchChannel && !cfg.WorkerEnabled {
		logger.Warn().Str("priority", "P0").
			Msg("DISPATCH_MODE=channel with WORKER_ENABLED=false: dispatched runs have no consumer")
	}

	if !cfg.SweepEnabled {
		logger.Warn().Str("priority", "P0").
			Msg("SWEEP_ENABLED=false: stale claims are never reaped and backlogged runs are never admitted")
	}

	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn().Str("priority", "P0").
			Msg("STORE_DRIVER=memory: all state is lost on exit")
	}

	if !cfg.MetricsEnabled {
		logger.Warn().Str("priority", "P1").Msg("METRICS_ENABLED=false: trigger lag and backlog depth are not exported")
	}

	if cfg.StoreDriver == config.StorePostgres && cfg.LockBackend == config.BackendMemory {
		logger.Warn().Str("priority", "P1").
			Msg("LOCK_BACKEND=memory with a shared store: replicas contend on every occurrence and rely on idempotency keys alone")
	}

	if cfg.StoreDriver == config.StorePostgres && cfg.AdmissionBackend == config.BackendMemory {
		logger.Warn().Str("priority", "P1").
			Msg("ADMISSION_BACKEND=memory with a shared store: concurrency ceilings apply per replica")
	}

	if cfg.DispatchMode == config.DispatchChannel {
		logger.Info().Dur("orphan_after", cfg.OrphanAfter).
			Msg("DISPATCH_MODE=channel: buffered work is lost on exit and redispatched by the sweeper")
	}
}
