package api

import (
	"time"

	"github.com/djlord-it/reportcron/internal/domain"
)

type ClaimRequest struct {
	WorkerID string `json:"worker_id"`
}

// CompleteRequest reports the outcome of the current attempt. An empty
// error_kind means success.
type CompleteRequest struct {
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

type AbortRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TriggerRequest starts a manual run. Repeating a request_id returns the
// run it created the first time.
type TriggerRequest struct {
	RequestID string `json:"request_id,omitempty"`
}

type ReplayRequest struct {
	Nonce string `json:"nonce,omitempty"`
}

type AttemptResponse struct {
	Attempt    int    `json:"attempt"`
	ErrorKind  string `json:"error_kind"`
	Error      string `json:"error,omitempty"`
	OccurredAt string `json:"occurred_at"`
}

type RunResponse struct {
	ID             string            `json:"id"`
	ScheduleID     string            `json:"schedule_id,omitempty"`
	TenantID       string            `json:"tenant_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Source         string            `json:"source"`
	Status         string            `json:"status"`
	Attempts       int               `json:"attempts"`
	IntendedFireAt string            `json:"intended_fire_at"`
	ClaimedBy      string            `json:"claimed_by,omitempty"`
	NextAttemptAt  string            `json:"next_attempt_at,omitempty"`
	AdmittedAt     string            `json:"admitted_at,omitempty"`
	CreatedAt      string            `json:"created_at"`
	StartedAt      string            `json:"started_at,omitempty"`
	CompletedAt    string            `json:"completed_at,omitempty"`
	DurationMs     int64             `json:"duration_ms,omitempty"`
	LastErrorKind  string            `json:"last_error_kind,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	History        []AttemptResponse `json:"history,omitempty"`
}

type ListRunsResponse struct {
	Runs       []RunResponse `json:"runs"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type AbortResponse struct {
	Run     RunResponse `json:"run"`
	Changed bool        `json:"changed"`
}

type TriggerResponse struct {
	Run      RunResponse `json:"run"`
	Created  bool        `json:"created"`
	Admitted bool        `json:"admitted"`
}

type DeadLetterResponse struct {
	ID             string            `json:"id"`
	RunID          string            `json:"run_id"`
	ScheduleID     string            `json:"schedule_id,omitempty"`
	TenantID       string            `json:"tenant_id"`
	ErrorKind      string            `json:"error_kind"`
	ErrorClass     string            `json:"error_class"`
	History        []AttemptResponse `json:"history"`
	ReplayEligible bool              `json:"replay_eligible"`
	ReplayRunID    string            `json:"replay_run_id,omitempty"`
	ReplayedAt     string            `json:"replayed_at,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

type ListDeadLettersResponse struct {
	Entries    []DeadLetterResponse `json:"entries"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type AdmissionResponse struct {
	TenantID      string `json:"tenant_id"`
	Tier          string `json:"tier"`
	Active        int    `json:"active"`
	Ceiling       int    `json:"ceiling"`
	GlobalActive  int    `json:"global_active"`
	GlobalCeiling int    `json:"global_ceiling"`
	Saturated     bool   `json:"saturated"`
}

type PreviewResponse struct {
	Expression string   `json:"expression"`
	Timezone   string   `json:"timezone"`
	Next       []string `json:"next"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toAttempts(history []domain.AttemptRecord) []AttemptResponse {
	out := make([]AttemptResponse, len(history))
	for i, a := range history {
		out[i] = AttemptResponse{
			Attempt:    a.Attempt,
			ErrorKind:  string(a.Kind),
			Error:      a.Message,
			OccurredAt: formatTime(a.OccurredAt),
		}
	}
	return out
}

func toRunResponse(run domain.ExecutionRun) RunResponse {
	resp := RunResponse{
		ID:             run.ID.String(),
		TenantID:       run.TenantID.String(),
		IdempotencyKey: run.IdempotencyKey,
		Source:         string(run.Source),
		Status:         string(run.Status),
		Attempts:       run.Attempts,
		IntendedFireAt: formatTime(run.IntendedFireAt),
		ClaimedBy:      run.ClaimedBy,
		NextAttemptAt:  formatOptionalTime(run.NextAttemptAt),
		AdmittedAt:     formatOptionalTime(run.AdmittedAt),
		CreatedAt:      formatTime(run.CreatedAt),
		StartedAt:      formatOptionalTime(run.StartedAt),
		CompletedAt:    formatOptionalTime(run.CompletedAt),
		LastErrorKind:  string(run.LastErrorKind),
		LastError:      run.LastError,
	}
	if run.ScheduleID != nil {
		resp.ScheduleID = run.ScheduleID.String()
	}
	if d, ok := run.Duration(); ok {
		resp.DurationMs = d.Milliseconds()
	}
	if len(run.History) > 0 {
		resp.History = toAttempts(run.History)
	}
	return resp
}

func toDeadLetterResponse(e domain.DeadLetterEntry) DeadLetterResponse {
	resp := DeadLetterResponse{
		ID:             e.ID.String(),
		RunID:          e.RunID.String(),
		TenantID:       e.TenantID.String(),
		ErrorKind:      string(e.Kind),
		ErrorClass:     string(e.Class),
		History:        toAttempts(e.History),
		ReplayEligible: e.ReplayEligible,
		ReplayedAt:     formatOptionalTime(e.ReplayedAt),
		CreatedAt:      formatTime(e.CreatedAt),
	}
	if e.ScheduleID != nil {
		resp.ScheduleID = e.ScheduleID.String()
	}
	if e.ReplayRunID != nil {
		resp.ReplayRunID = e.ReplayRunID.String()
	}
	return resp
}

func toAdmissionResponse(s domain.BurstState) AdmissionResponse {
	return AdmissionResponse{
		TenantID:      s.TenantID.String(),
		Tier:          s.Tier,
		Active:        s.Active,
		Ceiling:       s.Ceiling,
		GlobalActive:  s.GlobalActive,
		GlobalCeiling: s.GlobalCeiling,
		Saturated:     s.Saturated(),
	}
}
