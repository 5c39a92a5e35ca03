// Package memory is an in-process store for single-node runs and tests.
// It implements the same contracts as the Postgres store, including the
// compare-and-set guards on run status.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/ledger"
)

type Store struct {
	mu sync.Mutex

	schedules   map[uuid.UUID]domain.Schedule
	runs        map[uuid.UUID]domain.ExecutionRun
	runsByKey   map[string]uuid.UUID
	released    map[uuid.UUID]time.Time
	audit       []domain.AuditEvent
	deadLetters map[uuid.UUID]domain.DeadLetterEntry
	dlqByRun    map[uuid.UUID]uuid.UUID
}

func New() *Store {
	return &Store{
		schedules:   make(map[uuid.UUID]domain.Schedule),
		runs:        make(map[uuid.UUID]domain.ExecutionRun),
		runsByKey:   make(map[string]uuid.UUID),
		released:    make(map[uuid.UUID]time.Time),
		deadLetters: make(map[uuid.UUID]domain.DeadLetterEntry),
		dlqByRun:    make(map[uuid.UUID]uuid.UUID),
	}
}

func (s *Store) CreateRunIfAbsent(_ context.Context, run domain.ExecutionRun) (domain.ExecutionRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.runsByKey[run.IdempotencyKey]; ok {
		return cloneRun(s.runs[id]), false, nil
	}
	s.runs[run.ID] = cloneRun(run)
	s.runsByKey[run.IdempotencyKey] = run.ID
	return cloneRun(run), true, nil
}

func (s *Store) GetRun(_ context.Context, id uuid.UUID) (domain.ExecutionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return domain.ExecutionRun{}, ledger.ErrRunNotFound
	}
	return cloneRun(run), nil
}

func (s *Store) GetRunByKey(_ context.Context, key string) (domain.ExecutionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.runsByKey[key]
	if !ok {
		return domain.ExecutionRun{}, ledger.ErrRunNotFound
	}
	return cloneRun(s.runs[id]), nil
}

func (s *Store) ListRuns(_ context.Context, filter ledger.RunFilter, after *ledger.Cursor, limit int) ([]domain.ExecutionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ExecutionRun
	for _, run := range s.runs {
		if !filter.Matches(run) {
			continue
		}
		if after != nil && !after.Before(run.CreatedAt, run.ID) {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimRun(_ context.Context, id uuid.UUID, workerID string, now time.Time) (domain.ExecutionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return domain.ExecutionRun{}, ledger.ErrRunNotFound
	}
	if run.Status != domain.RunStatusQueued || run.AdmittedAt == nil {
		return domain.ExecutionRun{}, ledger.ErrClaimConflict
	}
	if run.NextAttemptAt != nil && run.NextAttemptAt.After(now) {
		return domain.ExecutionRun{}, ledger.ErrClaimConflict
	}

	run.Status = domain.RunStatusRunning
	run.Attempts++
	run.ClaimedBy = workerID
	run.StartedAt = timePtr(now)
	run.NextAttemptAt = nil
	s.runs[id] = run
	return cloneRun(run), nil
}

func (s *Store) TransitionRun(_ context.Context, id uuid.UUID, t ledger.Transition) (domain.ExecutionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return domain.ExecutionRun{}, ledger.ErrRunNotFound
	}
	if !t.Allows(run.Status) {
		return domain.ExecutionRun{}, ledger.ErrTransitionDenied
	}

	run = t.Apply(run)
	s.runs[id] = run
	return cloneRun(run), nil
}

func (s *Store) MarkAdmitted(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return false, ledger.ErrRunNotFound
	}
	if run.AdmittedAt != nil || run.Status != domain.RunStatusQueued {
		return false, nil
	}
	run.AdmittedAt = timePtr(now)
	s.runs[id] = run
	return true, nil
}

func (s *Store) UnmarkAdmitted(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return false, ledger.ErrRunNotFound
	}
	if run.AdmittedAt == nil || run.Status != domain.RunStatusQueued || run.DispatchedAt != nil {
		return false, nil
	}
	run.AdmittedAt = nil
	s.runs[id] = run
	return true, nil
}

func (s *Store) MarkReleased(_ context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ledger.ErrRunNotFound
	}
	if _, done := s.released[id]; done || run.AdmittedAt == nil || !run.Status.IsTerminal() {
		return nil
	}
	s.released[id] = now
	return nil
}

func (s *Store) ExpireSlots(_ context.Context, completedBefore, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.runs {
		if _, done := s.released[id]; done || r.AdmittedAt == nil || !r.Status.IsTerminal() {
			continue
		}
		if r.CompletedAt != nil && r.CompletedAt.Before(completedBefore) {
			s.released[id] = now
			n++
		}
	}
	return n, nil
}

func (s *Store) MarkDispatched(_ context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ledger.ErrRunNotFound
	}
	run.DispatchedAt = timePtr(now)
	s.runs[id] = run
	return nil
}

func (s *Store) ListStaleRuns(_ context.Context, startedBefore time.Time, limit int) ([]domain.ExecutionRun, error) {
	return s.selectRuns(limit, oldestStartedFirst, func(r domain.ExecutionRun) bool {
		return r.Status == domain.RunStatusRunning && r.StartedAt != nil && r.StartedAt.Before(startedBefore)
	}), nil
}

func (s *Store) ListUnadmitted(_ context.Context, limit int) ([]domain.ExecutionRun, error) {
	return s.selectRuns(limit, oldestCreatedFirst, func(r domain.ExecutionRun) bool {
		return r.Status == domain.RunStatusQueued && r.AdmittedAt == nil
	}), nil
}

func (s *Store) ListDispatchable(_ context.Context, now, orphanBefore time.Time, limit int) ([]domain.ExecutionRun, error) {
	return s.selectRuns(limit, oldestCreatedFirst, func(r domain.ExecutionRun) bool {
		if r.Status != domain.RunStatusQueued || r.AdmittedAt == nil {
			return false
		}
		if r.NextAttemptAt != nil && r.NextAttemptAt.After(now) {
			return false
		}
		switch {
		case r.DispatchedAt == nil:
			return true
		case r.NextAttemptAt != nil && r.DispatchedAt.Before(*r.NextAttemptAt):
			return true
		default:
			return r.DispatchedAt.Before(orphanBefore)
		}
	}), nil
}

func (s *Store) CountActiveByTenant(_ context.Context) (map[uuid.UUID]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[uuid.UUID]int)
	for id, r := range s.runs {
		if _, done := s.released[id]; r.AdmittedAt != nil && !done {
			counts[r.TenantID]++
		}
	}
	return counts, nil
}

func (s *Store) CountUnadmitted(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.runs {
		if r.Status == domain.RunStatusQueued && r.AdmittedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) AppendAudit(_ context.Context, event domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, event)
	return nil
}

// AuditEvents returns the audit trail of a run.
func (s *Store) AuditEvents(runID uuid.UUID) []domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.AuditEvent
	for _, e := range s.audit {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// Runs returns every run, oldest first.
func (s *Store) Runs() []domain.ExecutionRun {
	return s.selectRuns(0, oldestCreatedFirst, func(domain.ExecutionRun) bool { return true })
}

func (s *Store) selectRuns(limit int, less func(a, b domain.ExecutionRun) bool, keep func(domain.ExecutionRun) bool) []domain.ExecutionRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ExecutionRun
	for _, r := range s.runs {
		if keep(r) {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func oldestCreatedFirst(a, b domain.ExecutionRun) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID.String() < b.ID.String()
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func oldestStartedFirst(a, b domain.ExecutionRun) bool {
	if a.StartedAt == nil || b.StartedAt == nil {
		return oldestCreatedFirst(a, b)
	}
	return a.StartedAt.Before(*b.StartedAt)
}

func oldestCompletedFirst(a, b domain.ExecutionRun) bool {
	if a.CompletedAt == nil || b.CompletedAt == nil {
		return oldestCreatedFirst(a, b)
	}
	return a.CompletedAt.Before(*b.CompletedAt)
}

func sortNewestFirst(runs []domain.ExecutionRun) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID.String() > runs[j].ID.String()
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}

func cloneRun(r domain.ExecutionRun) domain.ExecutionRun {
	if r.History != nil {
		r.History = append([]domain.AttemptRecord(nil), r.History...)
	}
	return r
}

func timePtr(t time.Time) *time.Time {
	return &t
}

var _ ledger.Store = (*Store)(nil)
