package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/reportcron/internal/domain"
)

// PutSchedule stands in for the CRUD layer: it inserts s or replaces the
// stored schedule's definition and bumps its version.
func (s *Store) PutSchedule(sched domain.Schedule) domain.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.schedules[sched.ID]; ok {
		sched.Version = cur.Version + 1
		sched.NextFireAt = cur.NextFireAt
		sched.NextFireComputedAt = cur.NextFireComputedAt
		sched.NextFireVersion = cur.NextFireVersion
	} else if sched.Version == 0 {
		sched.Version = 1
	}
	s.schedules[sched.ID] = sched
	return sched
}

func (s *Store) GetSchedule(_ context.Context, id uuid.UUID) (domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return domain.Schedule{}, domain.ErrScheduleNotFound
	}
	return sched, nil
}

func (s *Store) ListDueSchedules(_ context.Context, now time.Time, afterID uuid.UUID, limit int) ([]domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Schedule
	for _, sched := range s.schedules {
		if !sched.Active || sched.ID.String() <= afterID.String() {
			continue
		}
		next, ok := sched.CachedNextFire()
		if ok && next.After(now) {
			continue
		}
		out = append(out, sched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AdvanceNextFire(_ context.Context, id uuid.UUID, version int64, next, computedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return false, domain.ErrScheduleNotFound
	}
	if sched.Version != version {
		return false, nil
	}
	if cur, ok := sched.CachedNextFire(); ok && !cur.Before(next) {
		return false, nil
	}

	sched.NextFireAt = timePtr(next)
	sched.NextFireComputedAt = timePtr(computedAt)
	sched.NextFireVersion = version
	s.schedules[id] = sched
	return true, nil
}
