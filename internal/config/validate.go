package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	durations := map[string]time.Duration{}
	for _, f := range cfg.durationFields() {
		d, err := time.ParseDuration(*f.raw)
		switch {
		case err != nil:
			add(f.env, "invalid duration: %v", err)
		case f.positive && d <= 0:
			add(f.env, "must be positive")
		case d < 0:
			add(f.env, "must not be negative")
		default:
			durations[f.env] = d
		}
	}

	// The lock must expire before the next tick so a crashed holder never
	// blocks a schedule for more than one interval.
	tick, okTick := durations["TICK_INTERVAL"]
	ttl, okTTL := durations["LOCK_TTL"]
	if okTick && okTTL && ttl >= tick {
		add("LOCK_TTL", "must be shorter than TICK_INTERVAL (%s >= %s)", ttl, tick)
	}

	base, okBase := durations["RETRY_BASE_DELAY"]
	maxDelay, okMax := durations["RETRY_MAX_DELAY"]
	if okBase && okMax && base > maxDelay {
		add("RETRY_BASE_DELAY", "must not exceed RETRY_MAX_DELAY")
	}
	if stale, ok := durations["STALE_AFTER"]; ok {
		if rt, ok := durations["RUN_TIMEOUT"]; ok && stale <= rt {
			add("STALE_AFTER", "must exceed RUN_TIMEOUT (%s <= %s)", stale, rt)
		}
	}

	if j, err := strconv.ParseFloat(cfg.RetryJitterStr, 64); err != nil {
		add("RETRY_JITTER", "invalid number: %v", err)
	} else if j < 0 || j > 1 {
		add("RETRY_JITTER", "must be within [0, 1]")
	}
	if cfg.RetryMaxAttempts < 1 {
		add("RETRY_MAX_ATTEMPTS", "must be at least 1")
	}

	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		add("LOG_LEVEL", "unknown level %q", cfg.LogLevel)
	}
	if cfg.LogFormat != LogFormatJSON && cfg.LogFormat != LogFormatConsole {
		add("LOG_FORMAT", "must be 'json' or 'console', got %q", cfg.LogFormat)
	}

	switch cfg.StoreDriver {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when STORE_DRIVER=postgres")
		}
	case StoreMemory:
	default:
		add("STORE_DRIVER", "must be 'memory' or 'postgres', got %q", cfg.StoreDriver)
	}

	switch cfg.LockBackend {
	case BackendMemory:
	case BackendRedis:
		if cfg.RedisAddr == "" {
			add("REDIS_ADDR", "required when LOCK_BACKEND=redis")
		}
	case BackendPostgres:
		if cfg.StoreDriver != StorePostgres {
			add("LOCK_BACKEND", "postgres locks require STORE_DRIVER=postgres")
		}
	default:
		add("LOCK_BACKEND", "must be 'memory', 'redis' or 'postgres', got %q", cfg.LockBackend)
	}

	switch cfg.AdmissionBackend {
	case BackendMemory:
	case BackendRedis:
		if cfg.RedisAddr == "" {
			add("REDIS_ADDR", "required when ADMISSION_BACKEND=redis")
		}
	default:
		add("ADMISSION_BACKEND", "must be 'memory' or 'redis', got %q", cfg.AdmissionBackend)
	}

	switch cfg.DispatchMode {
	case DispatchChannel:
		if cfg.BufferSize <= 0 {
			add("BUFFER_SIZE", "must be positive")
		}
	case DispatchRabbitMQ:
		if cfg.RabbitMQURL == "" {
			add("RABBITMQ_URL", "required when DISPATCH_MODE=rabbitmq")
		}
	default:
		add("DISPATCH_MODE", "must be 'channel' or 'rabbitmq', got %q", cfg.DispatchMode)
	}

	if cfg.SchedulerPageSize <= 0 {
		add("SCHEDULER_PAGE_SIZE", "must be positive")
	}
	if cfg.MaxCatchUp <= 0 {
		add("MAX_CATCH_UP", "must be positive")
	}
	if cfg.WorkerConcurrency <= 0 {
		add("WORKER_CONCURRENCY", "must be positive")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateWorker checks the settings generation workers need beyond
// Validate. A standalone worker process cannot see an in-memory store.
func ValidateWorker(cfg Config, standalone bool) error {
	var errs ValidationErrors
	if cfg.GeneratorURL == "" {
		errs = append(errs, ValidationError{Field: "GENERATOR_URL", Message: "required for workers"})
	}
	if standalone {
		if cfg.StoreDriver != StorePostgres {
			errs = append(errs, ValidationError{Field: "STORE_DRIVER", Message: "standalone workers require postgres"})
		}
		if cfg.DispatchMode != DispatchRabbitMQ {
			errs = append(errs, ValidationError{Field: "DISPATCH_MODE", Message: "standalone workers require rabbitmq"})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
