package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/djlord-it/reportcron/internal/circuitbreaker"
	"github.com/djlord-it/reportcron/internal/domain"
)

// Request headers sent to the report generator.
const (
	HeaderRunID          = "X-Reportcron-Run-ID"
	HeaderIdempotencyKey = "X-Reportcron-Idempotency-Key"
	HeaderAttempt        = "X-Reportcron-Attempt"
	HeaderSignature      = "X-Reportcron-Signature"
)

const (
	defaultGenerateTimeout = 5 * time.Minute
	maxErrorBody           = 512
)

// GenerateRequest is the body posted to the report generator.
type GenerateRequest struct {
	RunID          string `json:"run_id"`
	ScheduleID     string `json:"schedule_id,omitempty"`
	TenantID       string `json:"tenant_id"`
	IdempotencyKey string `json:"idempotency_key"`
	IntendedFireAt string `json:"intended_fire_at"`
	Attempt        int    `json:"attempt"`
}

// HTTPGenerator asks a report-generation service to produce a run's report
// and classifies the response into an ErrorKind.
type HTTPGenerator struct {
	client   *http.Client
	endpoint string
	secret   string
	timeout  time.Duration
	breaker  *circuitbreaker.Breaker // optional
}

func NewHTTPGenerator(endpoint, secret string) *HTTPGenerator {
	return &HTTPGenerator{
		client:   &http.Client{},
		endpoint: endpoint,
		secret:   secret,
		timeout:  defaultGenerateTimeout,
	}
}

func (g *HTTPGenerator) WithTimeout(d time.Duration) *HTTPGenerator {
	if d > 0 {
		g.timeout = d
	}
	return g
}

func (g *HTTPGenerator) WithCircuitBreaker(b *circuitbreaker.Breaker) *HTTPGenerator {
	g.breaker = b
	return g
}

func (g *HTTPGenerator) WithClient(c *http.Client) *HTTPGenerator {
	g.client = c
	return g
}

// Generate posts the run to the generator. A nil error means the report
// was produced; failures are *domain.ExecutionError.
func (g *HTTPGenerator) Generate(ctx context.Context, run domain.ExecutionRun) error {
	if g.breaker != nil {
		if err := g.breaker.Allow(g.endpoint); err != nil {
			return domain.WrapExecutionError(domain.ErrorKindUpstreamUnavailable, err)
		}
	}

	err := g.send(ctx, run)
	if g.breaker != nil {
		if domain.Classify(err).Retryable() {
			g.breaker.RecordFailure(g.endpoint)
		} else {
			g.breaker.RecordSuccess(g.endpoint)
		}
	}
	return err
}

func (g *HTTPGenerator) send(ctx context.Context, run domain.ExecutionRun) error {
	payload := GenerateRequest{
		RunID:          run.ID.String(),
		TenantID:       run.TenantID.String(),
		IdempotencyKey: run.IdempotencyKey,
		IntendedFireAt: run.IntendedFireAt.UTC().Format(time.RFC3339),
		Attempt:        run.Attempts,
	}
	if run.ScheduleID != nil {
		payload.ScheduleID = run.ScheduleID.String()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.WrapExecutionError(domain.ErrorKindInternal, fmt.Errorf("marshal: %w", err))
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.WrapExecutionError(domain.ErrorKindInternal, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRunID, payload.RunID)
	req.Header.Set(HeaderIdempotencyKey, run.IdempotencyKey)
	req.Header.Set(HeaderAttempt, fmt.Sprint(run.Attempts))
	req.Header.Set(HeaderSignature, computeSignature(g.secret, body))

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctxTimeout.Err(), context.DeadlineExceeded) {
			return domain.WrapExecutionError(domain.ErrorKindTimeout, err)
		}
		return domain.WrapExecutionError(domain.ErrorKindUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := fmt.Sprintf("generator returned %d", resp.StatusCode)
	if s := strings.TrimSpace(string(snippet)); s != "" {
		msg += ": " + s
	}
	return domain.NewExecutionError(classifyStatus(resp.StatusCode), msg)
}

// classifyStatus maps a generator HTTP status to an ErrorKind.
func classifyStatus(code int) domain.ErrorKind {
	switch {
	case code == http.StatusRequestTimeout:
		return domain.ErrorKindTimeout
	case code == http.StatusTooManyRequests:
		return domain.ErrorKindUpstreamUnavailable
	case code == http.StatusConflict:
		return domain.ErrorKindLockContention
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return domain.ErrorKindUnauthorized
	case code == http.StatusNotFound, code == http.StatusGone:
		return domain.ErrorKindNotFound
	case code >= 500:
		return domain.ErrorKindUpstreamUnavailable
	case code >= 400:
		return domain.ErrorKindValidation
	default:
		return domain.ErrorKindInternal
	}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for generator services to authenticate requests.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
