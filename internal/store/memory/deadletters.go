package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/retry"
)

func (s *Store) PushDeadLetter(_ context.Context, entry domain.DeadLetterEntry) (domain.DeadLetterEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.dlqByRun[entry.RunID]; ok {
		return cloneEntry(s.deadLetters[id]), false, nil
	}
	s.deadLetters[entry.ID] = cloneEntry(entry)
	s.dlqByRun[entry.RunID] = entry.ID
	return cloneEntry(entry), true, nil
}

func (s *Store) GetDeadLetter(_ context.Context, id uuid.UUID) (domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.deadLetters[id]
	if !ok {
		return domain.DeadLetterEntry{}, retry.ErrDeadLetterNotFound
	}
	return cloneEntry(entry), nil
}

func (s *Store) ListDeadLetters(_ context.Context, opts retry.ListOptions) ([]domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.DeadLetterEntry
	for _, e := range s.deadLetters {
		if opts.Matches(e) {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) CountDeadLetters(_ context.Context, pendingOnly bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.deadLetters {
		if pendingOnly && e.Replayed() {
			continue
		}
		n++
	}
	return n, nil
}

func (s *Store) MarkReplayed(_ context.Context, id uuid.UUID, nonce string, runID uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.deadLetters[id]
	if !ok {
		return false, retry.ErrDeadLetterNotFound
	}
	if entry.Replayed() {
		return false, nil
	}
	entry.ReplayEligible = false
	entry.ReplayNonce = nonce
	entry.ReplayRunID = &runID
	entry.ReplayedAt = timePtr(at)
	s.deadLetters[id] = entry
	return true, nil
}

func (s *Store) ListMissingDeadLetters(_ context.Context, completedBefore time.Time, limit int) ([]domain.ExecutionRun, error) {
	return s.selectRuns(limit, oldestCompletedFirst, func(r domain.ExecutionRun) bool {
		if r.Status != domain.RunStatusFailed || r.CompletedAt == nil || !r.CompletedAt.Before(completedBefore) {
			return false
		}
		_, ok := s.dlqByRun[r.ID]
		return !ok
	}), nil
}

func cloneEntry(e domain.DeadLetterEntry) domain.DeadLetterEntry {
	if e.History != nil {
		e.History = append([]domain.AttemptRecord(nil), e.History...)
	}
	return e
}

var _ retry.DeadLetterStore = (*Store)(nil)
