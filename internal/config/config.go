package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend and mode names.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"

	DispatchChannel  = "channel"
	DispatchRabbitMQ = "rabbitmq"

	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Config holds all configuration for reportcron processes.
// Values are loaded from environment variables. Durations keep the raw
// string next to the parsed value so Validate can report parse errors.
type Config struct {
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// StoreDriver selects where schedules, runs and dead letters live.
	StoreDriver string `json:"store_driver"`
	DatabaseURL string `json:"database_url"`

	DBOpTimeout          time.Duration `json:"-"`
	DBOpTimeoutStr       string        `json:"db_op_timeout"`
	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`

	HTTPAddr               string        `json:"http_addr"`
	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`
	MetricsEnabled         bool          `json:"metrics_enabled"`
	MetricsPath            string        `json:"metrics_path"`

	// ReplicaID identifies this process as a trigger lock holder.
	ReplicaID string `json:"replica_id"`

	TickInterval    time.Duration `json:"-"`
	TickIntervalStr string        `json:"tick_interval"`
	// LockTTL must be shorter than TickInterval.
	LockTTL           time.Duration `json:"-"`
	LockTTLStr        string        `json:"lock_ttl"`
	LockBackend       string        `json:"lock_backend"`
	SchedulerPageSize int           `json:"scheduler_page_size"`
	MaxCatchUp        int           `json:"max_catch_up"`

	AdmissionBackend    string `json:"admission_backend"`
	AdmissionPolicyFile string `json:"admission_policy_file,omitempty"`
	AdmissionFailOpen   bool   `json:"admission_fail_open"`

	DispatchMode       string        `json:"dispatch_mode"`
	BufferSize         int           `json:"buffer_size"`
	DispatchTimeout    time.Duration `json:"-"`
	DispatchTimeoutStr string        `json:"dispatch_timeout"`
	RabbitMQURL        string        `json:"rabbitmq_url,omitempty"`
	RabbitMQExchange   string        `json:"rabbitmq_exchange"`
	RabbitMQQueue      string        `json:"rabbitmq_queue"`
	RabbitMQPrefetch   int           `json:"rabbitmq_prefetch"`

	RetryBaseDelay    time.Duration `json:"-"`
	RetryBaseDelayStr string        `json:"retry_base_delay"`
	RetryMaxDelay     time.Duration `json:"-"`
	RetryMaxDelayStr  string        `json:"retry_max_delay"`
	RetryMaxAttempts  int           `json:"retry_max_attempts"`
	RetryJitter       float64       `json:"-"`
	RetryJitterStr    string        `json:"retry_jitter"`

	SweepEnabled     bool          `json:"sweep_enabled"`
	SweepInterval    time.Duration `json:"-"`
	SweepIntervalStr string        `json:"sweep_interval"`
	StaleAfter       time.Duration `json:"-"`
	StaleAfterStr    string        `json:"stale_after"`
	OrphanAfter      time.Duration `json:"-"`
	OrphanAfterStr   string        `json:"orphan_after"`
	SweepBatchSize   int           `json:"sweep_batch_size"`

	// LeaderLockKey: all replicas sharing the same database must use the same key.
	LeaderLockKey              int64         `json:"leader_lock_key"`
	LeaderRetryInterval        time.Duration `json:"-"`
	LeaderRetryIntervalStr     string        `json:"leader_retry_interval"`
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	// WorkerEnabled runs generation workers inside the serve process.
	WorkerEnabled     bool          `json:"worker_enabled"`
	WorkerID          string        `json:"worker_id,omitempty"`
	WorkerConcurrency int           `json:"worker_concurrency"`
	RunTimeout        time.Duration `json:"-"`
	RunTimeoutStr     string        `json:"run_timeout"`
	GeneratorURL      string        `json:"generator_url,omitempty"`
	GeneratorSecret   string        `json:"generator_secret,omitempty"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`
}

// Load reads configuration from environment variables with defaults.
// Malformed numbers fall back to the default; malformed durations are
// left zero for Validate to report.
func Load() Config {
	cfg := Config{
		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", LogFormatJSON),

		StoreDriver:          envOr("STORE_DRIVER", StorePostgres),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		DBOpTimeoutStr:       envOr("DB_OP_TIMEOUT", "5s"),
		DBMaxOpenConns:       envInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:       envInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetimeStr: envOr("DB_CONN_MAX_LIFETIME", "30m"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		HTTPAddr:               os.Getenv("HTTP_ADDR"),
		HTTPShutdownTimeoutStr: envOr("HTTP_SHUTDOWN_TIMEOUT", "10s"),
		MetricsEnabled:         envBool("METRICS_ENABLED", true),
		MetricsPath:            envOr("METRICS_PATH", "/metrics"),

		ReplicaID:         os.Getenv("REPLICA_ID"),
		TickIntervalStr:   envOr("TICK_INTERVAL", "30s"),
		LockTTLStr:        envOr("LOCK_TTL", "10s"),
		LockBackend:       envOr("LOCK_BACKEND", BackendPostgres),
		SchedulerPageSize: envInt("SCHEDULER_PAGE_SIZE", 100),
		MaxCatchUp:        envInt("MAX_CATCH_UP", 10),

		AdmissionBackend:    envOr("ADMISSION_BACKEND", BackendMemory),
		AdmissionPolicyFile: os.Getenv("ADMISSION_POLICY_FILE"),
		AdmissionFailOpen:   envBool("ADMISSION_FAIL_OPEN", true),

		DispatchMode:       envOr("DISPATCH_MODE", DispatchChannel),
		BufferSize:         envInt("BUFFER_SIZE", 100),
		DispatchTimeoutStr: envOr("DISPATCH_TIMEOUT", "0s"),
		RabbitMQURL:        os.Getenv("RABBITMQ_URL"),
		RabbitMQExchange:   envOr("RABBITMQ_EXCHANGE", "reportcron"),
		RabbitMQQueue:      envOr("RABBITMQ_QUEUE", "reportcron.work"),
		RabbitMQPrefetch:   envInt("RABBITMQ_PREFETCH", 16),

		RetryBaseDelayStr: envOr("RETRY_BASE_DELAY", "30s"),
		RetryMaxDelayStr:  envOr("RETRY_MAX_DELAY", "30m"),
		RetryMaxAttempts:  envInt("RETRY_MAX_ATTEMPTS", 5),
		RetryJitterStr:    envOr("RETRY_JITTER", "0.2"),

		SweepEnabled:     envBool("SWEEP_ENABLED", true),
		SweepIntervalStr: envOr("SWEEP_INTERVAL", "30s"),
		StaleAfterStr:    envOr("STALE_AFTER", "15m"),
		OrphanAfterStr:   envOr("ORPHAN_AFTER", "5m"),
		SweepBatchSize:   envInt("SWEEP_BATCH_SIZE", 100),

		LeaderLockKey:              int64(envInt("LEADER_LOCK_KEY", 0x7265706f7274)),
		LeaderRetryIntervalStr:     envOr("LEADER_RETRY_INTERVAL", "5s"),
		LeaderHeartbeatIntervalStr: envOr("LEADER_HEARTBEAT_INTERVAL", "2s"),

		WorkerEnabled:     envBool("WORKER_ENABLED", false),
		WorkerID:          os.Getenv("WORKER_ID"),
		WorkerConcurrency: envInt("WORKER_CONCURRENCY", 4),
		RunTimeoutStr:     envOr("RUN_TIMEOUT", "10m"),
		GeneratorURL:      os.Getenv("GENERATOR_URL"),
		GeneratorSecret:   os.Getenv("GENERATOR_SECRET"),

		CircuitBreakerThreshold:   envInt("CIRCUIT_BREAKER_THRESHOLD", 5),
		CircuitBreakerCooldownStr: envOr("CIRCUIT_BREAKER_COOLDOWN", "2m"),
	}

	// Support PORT as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	cfg.parseDurations()
	if j, err := strconv.ParseFloat(cfg.RetryJitterStr, 64); err == nil {
		cfg.RetryJitter = j
	}
	return cfg
}

func (c *Config) durationFields() []durationField {
	return []durationField{
		{"DB_OP_TIMEOUT", &c.DBOpTimeoutStr, &c.DBOpTimeout, true},
		{"DB_CONN_MAX_LIFETIME", &c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime, true},
		{"HTTP_SHUTDOWN_TIMEOUT", &c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout, true},
		{"TICK_INTERVAL", &c.TickIntervalStr, &c.TickInterval, true},
		{"LOCK_TTL", &c.LockTTLStr, &c.LockTTL, true},
		{"DISPATCH_TIMEOUT", &c.DispatchTimeoutStr, &c.DispatchTimeout, false},
		{"RETRY_BASE_DELAY", &c.RetryBaseDelayStr, &c.RetryBaseDelay, true},
		{"RETRY_MAX_DELAY", &c.RetryMaxDelayStr, &c.RetryMaxDelay, true},
		{"SWEEP_INTERVAL", &c.SweepIntervalStr, &c.SweepInterval, true},
		{"STALE_AFTER", &c.StaleAfterStr, &c.StaleAfter, true},
		{"ORPHAN_AFTER", &c.OrphanAfterStr, &c.OrphanAfter, true},
		{"LEADER_RETRY_INTERVAL", &c.LeaderRetryIntervalStr, &c.LeaderRetryInterval, true},
		{"LEADER_HEARTBEAT_INTERVAL", &c.LeaderHeartbeatIntervalStr, &c.LeaderHeartbeatInterval, true},
		{"RUN_TIMEOUT", &c.RunTimeoutStr, &c.RunTimeout, true},
		{"CIRCUIT_BREAKER_COOLDOWN", &c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown, true},
	}
}

type durationField struct {
	env      string
	raw      *string
	parsed   *time.Duration
	positive bool
}

func (c *Config) parseDurations() {
	for _, f := range c.durationFields() {
		if d, err := time.ParseDuration(*f.raw); err == nil {
			*f.parsed = d
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.RabbitMQURL = maskSecret(c.RabbitMQURL)
	masked.RedisPassword = maskSecret(c.RedisPassword)
	masked.GeneratorSecret = maskSecret(c.GeneratorSecret)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "amqp://", "amqps://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
