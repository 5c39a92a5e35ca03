package config

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"TICK_INTERVAL", "LOCK_TTL", "STORE_DRIVER", "LOCK_BACKEND", "DISPATCH_MODE", "RETRY_JITTER", "HTTP_ADDR", "PORT"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.TickInterval != 30*time.Second {
		t.Errorf("TickInterval: expected 30s, got %v", cfg.TickInterval)
	}
	if cfg.LockTTL != 10*time.Second {
		t.Errorf("LockTTL: expected 10s, got %v", cfg.LockTTL)
	}
	if cfg.StoreDriver != StorePostgres || cfg.LockBackend != BackendPostgres {
		t.Errorf("store/lock: expected postgres/postgres, got %s/%s", cfg.StoreDriver, cfg.LockBackend)
	}
	if cfg.DispatchMode != DispatchChannel {
		t.Errorf("DispatchMode: expected channel, got %s", cfg.DispatchMode)
	}
	if cfg.RetryMaxAttempts != 5 || cfg.RetryJitter != 0.2 {
		t.Errorf("retry: expected 5 attempts / 0.2 jitter, got %d / %v", cfg.RetryMaxAttempts, cfg.RetryJitter)
	}
	if cfg.RetryBaseDelay != 30*time.Second || cfg.RetryMaxDelay != 30*time.Minute {
		t.Errorf("retry delays: got %v / %v", cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
	if !cfg.AdmissionFailOpen {
		t.Error("AdmissionFailOpen should default to true")
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr: expected :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.MaxCatchUp != 10 {
		t.Errorf("MaxCatchUp: expected 10, got %d", cfg.MaxCatchUp)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("TICK_INTERVAL", "1m")
	t.Setenv("LOCK_TTL", "20s")
	t.Setenv("RETRY_MAX_ATTEMPTS", "8")
	t.Setenv("ADMISSION_FAIL_OPEN", "false")
	t.Setenv("WORKER_CONCURRENCY", "16")
	t.Setenv("PORT", "9000")
	t.Setenv("HTTP_ADDR", "")

	cfg := Load()

	if cfg.TickInterval != time.Minute || cfg.LockTTL != 20*time.Second {
		t.Errorf("intervals: got tick=%v ttl=%v", cfg.TickInterval, cfg.LockTTL)
	}
	if cfg.RetryMaxAttempts != 8 {
		t.Errorf("RetryMaxAttempts: expected 8, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.AdmissionFailOpen {
		t.Error("AdmissionFailOpen should be false")
	}
	if cfg.WorkerConcurrency != 16 {
		t.Errorf("WorkerConcurrency: expected 16, got %d", cfg.WorkerConcurrency)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Errorf("HTTPAddr: expected :9000 from PORT, got %s", cfg.HTTPAddr)
	}
}

func TestLoad_InvalidNumberFallsBack(t *testing.T) {
	t.Setenv("BUFFER_SIZE", "lots")
	t.Setenv("SWEEP_BATCH_SIZE", "-3")

	cfg := Load()

	if cfg.BufferSize != 100 {
		t.Errorf("BufferSize: expected default 100, got %d", cfg.BufferSize)
	}
	if cfg.SweepBatchSize != 100 {
		t.Errorf("SweepBatchSize: expected default 100, got %d", cfg.SweepBatchSize)
	}
}

func TestMaskedJSON_MasksSecrets(t *testing.T) {
	cfg := Config{
		DatabaseURL:     "postgres://user:pw@db/reportcron",
		RabbitMQURL:     "amqp://guest:guest@mq:5672/",
		RedisPassword:   "hunter2",
		GeneratorSecret: "s3cret",
		TickIntervalStr: "30s",
	}

	data, err := cfg.MaskedJSON()
	if err != nil {
		t.Fatalf("MaskedJSON: %v", err)
	}
	out := string(data)
	for _, secret := range []string{"user:pw", "guest:guest", "hunter2", "s3cret"} {
		if strings.Contains(out, secret) {
			t.Errorf("masked JSON leaks %q: %s", secret, out)
		}
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["database_url"] != "postgres://***" {
		t.Errorf("database_url = %v", decoded["database_url"])
	}
	if decoded["rabbitmq_url"] != "amqp://***" {
		t.Errorf("rabbitmq_url = %v", decoded["rabbitmq_url"])
	}
	if decoded["tick_interval"] != "30s" {
		t.Errorf("tick_interval = %v", decoded["tick_interval"])
	}
	if _, ok := decoded["TickInterval"]; ok {
		t.Error("parsed durations should not be serialised")
	}
}
