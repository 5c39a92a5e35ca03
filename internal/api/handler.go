// Package api serves the status and operator endpoints: run inspection,
// claim and completion for out-of-process workers, manual triggers,
// dead-letter replay, tenant admission state and cron previews.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/reportcron/internal/cron"
	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/ledger"
	"github.com/djlord-it/reportcron/internal/retry"
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

const healthTimeout = 3 * time.Second

type Runs interface {
	Get(ctx context.Context, id uuid.UUID) (domain.ExecutionRun, error)
	List(ctx context.Context, filter ledger.RunFilter, cursor string, limit int) (ledger.Page, error)
	CreateIfAbsent(ctx context.Context, nr ledger.NewRun) (domain.ExecutionRun, bool, error)
	Claim(ctx context.Context, id uuid.UUID, workerID string) (domain.ExecutionRun, error)
	Abort(ctx context.Context, id uuid.UUID, kind domain.ErrorKind, reason string) (domain.ExecutionRun, bool, error)
}

// Outcomes records attempt results and manages the dead-letter queue.
type Outcomes interface {
	Complete(ctx context.Context, runID uuid.UUID, execErr error) (domain.ExecutionRun, error)
	Replay(ctx context.Context, entryID uuid.UUID, nonce string) (domain.ExecutionRun, error)
	ListDeadLetters(ctx context.Context, pendingOnly bool, tenantID *uuid.UUID, cursor string, limit int) (retry.DeadLetterPage, error)
}

type Schedules interface {
	GetSchedule(ctx context.Context, id uuid.UUID) (domain.Schedule, error)
}

type Submitter interface {
	Submit(ctx context.Context, run domain.ExecutionRun) (bool, error)
}

type AdmissionStatus interface {
	Status(ctx context.Context, tenantID uuid.UUID) (domain.BurstState, error)
}

type Previewer interface {
	NextN(rule, timezone string, after time.Time, n int) ([]time.Time, error)
}

// HealthChecker reports the health of one dependency for verbose /health.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) PingContext(ctx context.Context) error {
	return f(ctx)
}

type namedCheck struct {
	name  string
	check HealthChecker
}

type Handler struct {
	runs     Runs
	outcomes Outcomes

	schedules Schedules       // optional
	submitter Submitter       // optional
	admission AdmissionStatus // optional
	preview   Previewer       // optional
	checks    []namedCheck

	logger zerolog.Logger
	clock  func() time.Time
}

func NewHandler(runs Runs, outcomes Outcomes) *Handler {
	return &Handler{
		runs:     runs,
		outcomes: outcomes,
		logger:   zerolog.Nop(),
		clock:    time.Now,
	}
}

// WithTrigger enables POST /schedules/{id}/trigger.
func (h *Handler) WithTrigger(schedules Schedules, submitter Submitter) *Handler {
	h.schedules = schedules
	h.submitter = submitter
	return h
}

func (h *Handler) WithAdmission(status AdmissionStatus) *Handler {
	h.admission = status
	return h
}

func (h *Handler) WithPreview(p Previewer) *Handler {
	h.preview = p
	return h
}

// WithHealthCheck adds a component to verbose /health responses.
func (h *Handler) WithHealthCheck(name string, check HealthChecker) *Handler {
	h.checks = append(h.checks, namedCheck{name: name, check: check})
	return h
}

func (h *Handler) WithLogger(logger zerolog.Logger) *Handler {
	h.logger = logger.With().Str("component", "api").Logger()
	return h
}

func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/runs" && r.Method == http.MethodGet:
		h.listRuns(w, r)

	case len(parts) == 2 && parts[0] == "runs" && r.Method == http.MethodGet:
		h.getRun(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "runs" && r.Method == http.MethodPost:
		switch parts[2] {
		case "claim":
			h.claimRun(w, r, parts[1])
		case "complete":
			h.completeRun(w, r, parts[1])
		case "abort":
			h.abortRun(w, r, parts[1])
		default:
			writeError(w, http.StatusNotFound, "not found")
		}

	case len(parts) == 3 && parts[0] == "schedules" && parts[2] == "trigger" && r.Method == http.MethodPost:
		h.triggerSchedule(w, r, parts[1])

	case path == "/dead-letters" && r.Method == http.MethodGet:
		h.listDeadLetters(w, r)

	case len(parts) == 3 && parts[0] == "dead-letters" && parts[2] == "replay" && r.Method == http.MethodPost:
		h.replayDeadLetter(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "tenants" && parts[2] == "admission" && r.Method == http.MethodGet:
		h.tenantAdmission(w, r, parts[1])

	case path == "/preview" && r.Method == http.MethodGet:
		h.previewSchedule(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	if !verbose || len(h.checks) == 0 {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string, len(h.checks)),
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	for _, c := range h.checks {
		if err := c.check.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[c.name] = "unhealthy: " + err.Error()
			continue
		}
		resp.Components[c.name] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	scheduleID, err := parseOptionalUUID(r, "schedule_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tenantID, err := parseOptionalUUID(r, "tenant_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := ledger.RunFilter{ScheduleID: scheduleID, TenantID: tenantID, Status: status}
	page, err := h.runs.List(r.Context(), filter, r.URL.Query().Get("cursor"), limit)
	if errors.Is(err, ledger.ErrInvalidCursor) {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("list runs failed")
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	resp := ListRunsResponse{
		Runs:       make([]RunResponse, len(page.Runs)),
		NextCursor: page.NextCursor,
	}
	for i, run := range page.Runs {
		resp.Runs[i] = toRunResponse(run)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parsePathID(w, rawID, "run")
	if !ok {
		return
	}
	run, err := h.runs.Get(r.Context(), id)
	if err != nil {
		h.writeRunError(w, err, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (h *Handler) claimRun(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parsePathID(w, rawID, "run")
	if !ok {
		return
	}
	var req ClaimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateClaim(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.runs.Claim(r.Context(), id, req.WorkerID)
	if err != nil {
		h.writeRunError(w, err, "failed to claim run")
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (h *Handler) completeRun(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parsePathID(w, rawID, "run")
	if !ok {
		return
	}
	var req CompleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	execErr, err := parseOutcome(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.outcomes.Complete(r.Context(), id, execErr)
	if err != nil {
		h.writeRunError(w, err, "failed to complete run")
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (h *Handler) abortRun(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parsePathID(w, rawID, "run")
	if !ok {
		return
	}
	var req AbortRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "aborted by operator"
	}

	run, changed, err := h.runs.Abort(r.Context(), id, domain.ErrorKindOperatorAbort, reason)
	if err != nil {
		h.writeRunError(w, err, "failed to abort run")
		return
	}
	if changed {
		h.logger.Info().Str("run_id", id.String()).Str("reason", reason).Msg("run aborted")
	}
	writeJSON(w, http.StatusOK, AbortResponse{Run: toRunResponse(run), Changed: changed})
}

// triggerSchedule creates a manual run through the same dedup gate as the
// scheduler. Only a newly created run is submitted; a repeated request
// returns the existing run untouched.
func (h *Handler) triggerSchedule(w http.ResponseWriter, r *http.Request, rawID string) {
	if h.schedules == nil || h.submitter == nil {
		writeError(w, http.StatusNotImplemented, "manual trigger is not configured")
		return
	}
	id, ok := parsePathID(w, rawID, "schedule")
	if !ok {
		return
	}
	var req TriggerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateTrigger(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sched, err := h.schedules.GetSchedule(r.Context(), id)
	if errors.Is(err, domain.ErrScheduleNotFound) {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("schedule_id", id.String()).Msg("get schedule failed")
		writeError(w, http.StatusInternalServerError, "failed to trigger schedule")
		return
	}
	if !sched.Active {
		writeError(w, http.StatusConflict, "schedule is inactive")
		return
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	run, created, err := h.runs.CreateIfAbsent(r.Context(), ledger.NewRun{
		ScheduleID:     &sched.ID,
		TenantID:       sched.TenantID,
		IdempotencyKey: ledger.ManualKey(sched.ID, requestID),
		Source:         domain.TriggerSourceManual,
		IntendedFireAt: h.clock(),
	})
	if err != nil {
		h.logger.Error().Err(err).Str("schedule_id", id.String()).Msg("create manual run failed")
		writeError(w, http.StatusInternalServerError, "failed to trigger schedule")
		return
	}

	admitted := run.Admitted()
	if created {
		admitted, err = h.submitter.Submit(r.Context(), run)
		if err != nil {
			// The run is recorded; the sweeper admits or re-dispatches it.
			h.logger.Warn().Err(err).Str("run_id", run.ID.String()).Msg("manual run submit failed")
		}
	}

	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	writeJSON(w, status, TriggerResponse{Run: toRunResponse(run), Created: created, Admitted: admitted})
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tenantID, err := parseOptionalUUID(r, "tenant_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pending := r.URL.Query().Get("pending") == "true"

	page, err := h.outcomes.ListDeadLetters(r.Context(), pending, tenantID, r.URL.Query().Get("cursor"), limit)
	if errors.Is(err, ledger.ErrInvalidCursor) {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("list dead letters failed")
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	resp := ListDeadLettersResponse{
		Entries:    make([]DeadLetterResponse, len(page.Entries)),
		NextCursor: page.NextCursor,
	}
	for i, e := range page.Entries {
		resp.Entries[i] = toDeadLetterResponse(e)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) replayDeadLetter(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parsePathID(w, rawID, "dead-letter")
	if !ok {
		return
	}
	var req ReplayRequest
	if !decodeBody(w, r, &req) {
		return
	}

	run, err := h.outcomes.Replay(r.Context(), id, req.Nonce)
	switch {
	case errors.Is(err, retry.ErrDeadLetterNotFound):
		writeError(w, http.StatusNotFound, "dead-letter entry not found")
		return
	case errors.Is(err, retry.ErrNotReplayable):
		writeError(w, http.StatusConflict, "dead-letter entry was already replayed")
		return
	case err != nil:
		h.logger.Error().Err(err).Str("entry_id", id.String()).Msg("replay failed")
		writeError(w, http.StatusInternalServerError, "failed to replay dead letter")
		return
	}
	writeJSON(w, http.StatusAccepted, toRunResponse(run))
}

func (h *Handler) tenantAdmission(w http.ResponseWriter, r *http.Request, rawID string) {
	if h.admission == nil {
		writeError(w, http.StatusNotImplemented, "admission is not configured")
		return
	}
	id, ok := parsePathID(w, rawID, "tenant")
	if !ok {
		return
	}
	state, err := h.admission.Status(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", id.String()).Msg("admission status failed")
		writeError(w, http.StatusInternalServerError, "failed to read admission state")
		return
	}
	writeJSON(w, http.StatusOK, toAdmissionResponse(state))
}

func (h *Handler) previewSchedule(w http.ResponseWriter, r *http.Request) {
	if h.preview == nil {
		writeError(w, http.StatusNotImplemented, "preview is not configured")
		return
	}
	q := r.URL.Query()
	expr := q.Get("expression")
	if expr == "" {
		writeError(w, http.StatusBadRequest, "expression is required")
		return
	}
	tz := q.Get("timezone")
	if tz == "" {
		tz = "UTC"
	}
	count, err := parsePreviewCount(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	times, err := h.preview.NextN(expr, tz, h.clock(), count)
	if errors.Is(err, cron.ErrInvalidRule) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("expression", expr).Msg("preview failed")
		writeError(w, http.StatusInternalServerError, "failed to preview schedule")
		return
	}

	resp := PreviewResponse{Expression: expr, Timezone: tz, Next: make([]string, len(times))}
	for i, t := range times {
		resp.Next[i] = formatTime(t)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeRunError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, ledger.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, ledger.ErrClaimConflict):
		writeError(w, http.StatusConflict, "run is not claimable")
	case errors.Is(err, ledger.ErrTransitionDenied), errors.Is(err, retry.ErrRunNotRunning):
		writeError(w, http.StatusConflict, "run is not running")
	default:
		h.logger.Error().Err(err).Msg(msg)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func parsePathID(w http.ResponseWriter, raw, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+what+" id")
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody reads an optional JSON body into v. An empty body leaves v
// at its zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid json")
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
