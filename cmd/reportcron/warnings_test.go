package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/djlord-it/reportcron/internal/config"
)

// captureWarnings calls logConfigWarnings with the given config and returns
// the captured log output as a string.
func captureWarnings(cfg config.Config) string {
	var buf bytes.Buffer
	logConfigWarnings(zerolog.New(&buf), cfg)
	return buf.String()
}

func productionConfig() config.Config {
	return config.Config{
		StoreDriver:      config.StorePostgres,
		LockBackend:      config.BackendPostgres,
		AdmissionBackend: config.BackendRedis,
		DispatchMode:     config.DispatchRabbitMQ,
		SweepEnabled:     true,
		MetricsEnabled:   true,
	}
}

func TestLogConfigWarnings_ProductionConfigIsQuiet(t *testing.T) {
	output := captureWarnings(productionConfig())
	if output != "" {
		t.Errorf("expected no warnings, got: %s", output)
	}
}

func TestLogConfigWarnings_ChannelWithoutWorker(t *testing.T) {
	cfg := productionConfig()
	cfg.DispatchMode = config.DispatchChannel
	cfg.WorkerEnabled = false
	output := captureWarnings(cfg)

	if !strings.Contains(output, "DISPATCH_MODE=channel with WORKER_ENABLED=false") {
		t.Error("expected channel without worker warning, got:", output)
	}
	if !strings.Contains(output, `"priority":"P0"`) {
		t.Error("expected P0 priority, got:", output)
	}
	if !strings.Contains(output, "buffered work is lost on exit") {
		t.Error("expected channel mode info, got:", output)
	}
}

func TestLogConfigWarnings_ChannelWithWorker(t *testing.T) {
	cfg := productionConfig()
	cfg.DispatchMode = config.DispatchChannel
	cfg.WorkerEnabled = true
	output := captureWarnings(cfg)

	if strings.Contains(output, `"priority":"P0"`) {
		t.Error("did not expect any P0 warnings, got:", output)
	}
	if !strings.Contains(output, "buffered work is lost on exit") {
		t.Error("expected channel mode info, got:", output)
	}
}

func TestLogConfigWarnings_SweepDisabled(t *testing.T) {
	cfg := productionConfig()
	cfg.SweepEnabled = false
	output := captureWarnings(cfg)

	if !strings.Contains(output, "SWEEP_ENABLED=false") {
		t.Error("expected sweep disabled warning, got:", output)
	}
}

func TestLogConfigWarnings_MemoryStore(t *testing.T) {
	cfg := productionConfig()
	cfg.StoreDriver = config.StoreMemory
	cfg.LockBackend = config.BackendMemory
	cfg.AdmissionBackend = config.BackendMemory
	output := captureWarnings(cfg)

	if !strings.Contains(output, "STORE_DRIVER=memory") {
		t.Error("expected memory store warning, got:", output)
	}
	// Per-replica backends are expected with a process-local store.
	if strings.Contains(output, "LOCK_BACKEND=memory") {
		t.Error("did not expect lock backend warning with memory store, got:", output)
	}
	if strings.Contains(output, "ADMISSION_BACKEND=memory") {
		t.Error("did not expect admission backend warning with memory store, got:", output)
	}
}

func TestLogConfigWarnings_SharedStoreLocalBackends(t *testing.T) {
	cfg := productionConfig()
	cfg.LockBackend = config.BackendMemory
	cfg.AdmissionBackend = config.BackendMemory
	output := captureWarnings(cfg)

	if !strings.Contains(output, "LOCK_BACKEND=memory") {
		t.Error("expected lock backend warning, got:", output)
	}
	if !strings.Contains(output, "ADMISSION_BACKEND=memory") {
		t.Error("expected admission backend warning, got:", output)
	}
	if strings.Contains(output, `"priority":"P0"`) {
		t.Error("did not expect P0 warnings, got:", output)
	}
}

func TestLogConfigWarnings_MetricsDisabled(t *testing.T) {
	cfg := productionConfig()
	cfg.MetricsEnabled = false
	output := captureWarnings(cfg)

	if !strings.Contains(output, "METRICS_ENABLED=false") {
		t.Error("expected metrics warning, got:", output)
	}
	if !strings.Contains(output, `"priority":"P1"`) {
		t.Error("expected P1 priority, got:", output)
	}
}
