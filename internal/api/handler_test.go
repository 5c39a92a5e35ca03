package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/ledger"
)

func TestParseLimit_Defaults(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/runs", nil)

	limit, err := parseLimit(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limit != ledger.DefaultPageSize {
		t.Errorf("expected default limit %d, got %d", ledger.DefaultPageSize, limit)
	}
}

func TestParseLimit_CustomValue(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/runs?limit=25", nil)

	limit, err := parseLimit(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limit != 25 {
		t.Errorf("expected limit 25, got %d", limit)
	}
}

func TestParseLimit_ExceedsMax(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/runs?limit=101", nil)

	_, err := parseLimit(req)
	if err == nil {
		t.Fatal("expected error for limit exceeding max, got nil")
	}
	expected := "limit exceeds maximum of 100"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestParseLimit_AtMax(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/runs?limit=100", nil)

	limit, err := parseLimit(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limit != ledger.MaxPageSize {
		t.Errorf("expected limit %d, got %d", ledger.MaxPageSize, limit)
	}
}

func TestParseLimit_Invalid(t *testing.T) {
	for _, raw := range []string{"abc", "-1"} {
		req := httptest.NewRequest(http.MethodGet, "/runs?limit="+raw, nil)
		if _, err := parseLimit(req); err == nil {
			t.Errorf("limit=%s: expected error, got nil", raw)
		}
	}
}

func TestParseLimit_ZeroUsesDefault(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/runs?limit=0", nil)

	limit, err := parseLimit(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limit != ledger.DefaultPageSize {
		t.Errorf("expected default limit for limit=0, got %d", limit)
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := parseStatus(""); err != nil || s != "" {
		t.Errorf("empty status: got %q, %v", s, err)
	}
	if s, err := parseStatus("failed"); err != nil || s != domain.RunStatusFailed {
		t.Errorf("failed: got %q, %v", s, err)
	}
	if _, err := parseStatus("done"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestParseOutcome(t *testing.T) {
	tests := []struct {
		name     string
		req      CompleteRequest
		wantKind domain.ErrorKind
		wantErr  bool
	}{
		{name: "success", req: CompleteRequest{}},
		{name: "transient", req: CompleteRequest{ErrorKind: "timeout", Error: "query took too long"}, wantKind: domain.ErrorKindTimeout},
		{name: "kind without message", req: CompleteRequest{ErrorKind: "not_found"}, wantKind: domain.ErrorKindNotFound},
		{name: "unknown kind", req: CompleteRequest{ErrorKind: "exploded"}, wantErr: true},
		{name: "message without kind", req: CompleteRequest{Error: "boom"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			execErr, err := parseOutcome(tt.req)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := domain.Classify(execErr); got != tt.wantKind {
				t.Errorf("expected kind %q, got %q", tt.wantKind, got)
			}
		})
	}
}

func TestParseOutcome_KeepsMessage(t *testing.T) {
	execErr, err := parseOutcome(CompleteRequest{ErrorKind: "validation", Error: "unknown column"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ee *domain.ExecutionError
	if !errors.As(execErr, &ee) {
		t.Fatalf("expected *domain.ExecutionError, got %T", execErr)
	}
	if ee.Message != "unknown column" {
		t.Errorf("expected message %q, got %q", "unknown column", ee.Message)
	}
}

func TestValidateClaim(t *testing.T) {
	if err := validateClaim(ClaimRequest{}); err == nil {
		t.Error("expected error for missing worker_id")
	}
	long := make([]byte, maxWorkerIDLength+1)
	for i := range long {
		long[i] = 'w'
	}
	if err := validateClaim(ClaimRequest{WorkerID: string(long)}); err == nil {
		t.Error("expected error for long worker_id")
	}
	if err := validateClaim(ClaimRequest{WorkerID: "worker-1"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParsePreviewCount(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{query: "", want: defaultPreviewCount},
		{query: "?count=3", want: 3},
		{query: "?count=20", want: 20},
		{query: "?count=21", wantErr: true},
		{query: "?count=0", wantErr: true},
		{query: "?count=x", wantErr: true},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/preview"+tt.query, nil)
		got, err := parsePreviewCount(req)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error, got nil", tt.query)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.query, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q: expected %d, got %d", tt.query, tt.want, got)
		}
	}
}
