package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/djlord-it/reportcron/internal/cron"
	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/ledger"
)

const (
	maxWorkerIDLength   = 128
	maxRequestIDLength  = 128
	defaultPreviewCount = 5
)

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}

// parseLimit reads ?limit=. Zero or absent means the default page size.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return ledger.DefaultPageSize, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid limit: %w", err)
	}
	if limit < 0 {
		return 0, fmt.Errorf("invalid limit: %w", strconv.ErrRange)
	}
	if limit > ledger.MaxPageSize {
		return 0, &limitExceededError{max: ledger.MaxPageSize}
	}
	if limit == 0 {
		return ledger.DefaultPageSize, nil
	}
	return limit, nil
}

func parseOptionalUUID(r *http.Request, name string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s", name)
	}
	return &id, nil
}

func parseStatus(raw string) (domain.RunStatus, error) {
	if raw == "" {
		return "", nil
	}
	status := domain.RunStatus(raw)
	if !status.Valid() {
		return "", fmt.Errorf("invalid status %q", raw)
	}
	return status, nil
}

func validateClaim(req ClaimRequest) error {
	if req.WorkerID == "" {
		return errors.New("worker_id is required")
	}
	if len(req.WorkerID) > maxWorkerIDLength {
		return fmt.Errorf("worker_id exceeds %d characters", maxWorkerIDLength)
	}
	return nil
}

// parseOutcome turns a completion request into the error the retry engine
// classifies. A nil result means success.
func parseOutcome(req CompleteRequest) (execErr error, err error) {
	if req.ErrorKind == "" {
		if req.Error != "" {
			return nil, errors.New("error_kind is required when error is set")
		}
		return nil, nil
	}
	kind, err := domain.ParseErrorKind(req.ErrorKind)
	if err != nil {
		return nil, err
	}
	msg := req.Error
	if msg == "" {
		msg = string(kind)
	}
	return domain.NewExecutionError(kind, msg), nil
}

func validateTrigger(req TriggerRequest) error {
	if len(req.RequestID) > maxRequestIDLength {
		return fmt.Errorf("request_id exceeds %d characters", maxRequestIDLength)
	}
	return nil
}

func parsePreviewCount(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("count")
	if raw == "" {
		return defaultPreviewCount, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("count must be a positive integer")
	}
	if n > cron.MaxPreview {
		return 0, fmt.Errorf("count exceeds maximum of %d", cron.MaxPreview)
	}
	return n, nil
}
