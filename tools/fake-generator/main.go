// Command fake-generator is a stand-in report generator for local runs. It
// verifies request signatures and can be told to fail, so retries and
// dead-lettering can be observed end to end.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/reportcron/internal/logging"
	"github.com/djlord-it/reportcron/internal/worker"
)

const maxStored = 50

type received struct {
	Timestamp      string `json:"timestamp"`
	RunID          string `json:"run_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Attempt        int    `json:"attempt"`
	Status         int    `json:"status"`
}

type stats struct {
	Count      int64      `json:"count"`
	Duplicates int64      `json:"duplicates"`
	Last       []received `json:"last_requests"`
	Since      string     `json:"since"`
}

type receiver struct {
	secret string
	// failStatus is returned for every failEvery-th request. Zero disables.
	failStatus int
	failEvery  int64
	logger     zerolog.Logger

	mu         sync.Mutex
	count      int64
	duplicates int64
	seen       map[string]bool
	last       []received
	since      time.Time
}

func newReceiver(secret string, failStatus int, failEvery int64, logger zerolog.Logger) *receiver {
	if failEvery <= 0 {
		failEvery = 1
	}
	return &receiver{
		secret:     secret,
		failStatus: failStatus,
		failEvery:  failEvery,
		logger:     logger,
		seen:       make(map[string]bool),
		since:      time.Now().UTC(),
	}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/generate", rc.generate)
	mux.HandleFunc("/stats", rc.stats)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/reset", rc.reset)
	return mux
}

func (rc *receiver) generate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if rc.secret != "" && !worker.VerifySignature(rc.secret, body, r.Header.Get(worker.HeaderSignature)) {
		rc.logger.Warn().Str("run_id", r.Header.Get(worker.HeaderRunID)).Msg("signature mismatch")
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	var req worker.GenerateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	rc.mu.Lock()
	rc.count++
	current := rc.count
	key := req.IdempotencyKey + "#" + strconv.Itoa(req.Attempt)
	duplicate := rc.seen[key]
	if duplicate {
		rc.duplicates++
	}
	rc.seen[key] = true

	status := http.StatusOK
	if rc.failStatus != 0 && current%rc.failEvery == 0 {
		status = rc.failStatus
	}
	rc.last = append(rc.last, received{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		RunID:          req.RunID,
		IdempotencyKey: req.IdempotencyKey,
		Attempt:        req.Attempt,
		Status:         status,
	})
	if len(rc.last) > maxStored {
		rc.last = rc.last[len(rc.last)-maxStored:]
	}
	rc.mu.Unlock()

	rc.logger.Info().
		Int64("n", current).
		Str("run_id", req.RunID).
		Int("attempt", req.Attempt).
		Bool("duplicate", duplicate).
		Int("status", status).
		Msg("generate request")

	w.WriteHeader(status)
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func (rc *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := stats{
		Count:      rc.count,
		Duplicates: rc.duplicates,
		Last:       append([]received(nil), rc.last...),
		Since:      rc.since.Format(time.RFC3339),
	}
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

func (rc *receiver) reset(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	rc.count = 0
	rc.duplicates = 0
	rc.seen = make(map[string]bool)
	rc.last = nil
	rc.since = time.Now().UTC()
	rc.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "reset")
}

func main() {
	logger := logging.New(envOr("LOG_LEVEL", "info"), envOr("LOG_FORMAT", "console"), os.Stderr)

	addr := envOr("ADDR", ":8090")
	failStatus, _ := strconv.Atoi(os.Getenv("FAIL_STATUS"))
	failEvery, _ := strconv.ParseInt(os.Getenv("FAIL_EVERY"), 10, 64)

	rc := newReceiver(os.Getenv("GENERATOR_SECRET"), failStatus, failEvery, logger)

	logger.Info().Str("addr", addr).Int("fail_status", failStatus).Msg("fake-generator listening")
	srv := &http.Server{Addr: addr, Handler: rc.routes(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
