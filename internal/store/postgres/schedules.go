package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/scheduler"
)

func (s *Store) GetSchedule(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	sched, err := scanSchedule(s.db.QueryRowContext(ctx, queryGetSchedule, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, domain.ErrScheduleNotFound
	}
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("postgres: get schedule: %w", err)
	}
	return sched, nil
}

// ListDueSchedules pages active schedules by id after afterID. uuid.Nil
// starts from the beginning.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time, afterID uuid.UUID, limit int) ([]domain.Schedule, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListDueSchedules, now, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due schedules: %w", err)
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list due schedules: %w", err)
	}
	return out, nil
}

// AdvanceNextFire writes next only if the schedule is still at version and
// the cached value moves forward. A lost race returns false.
func (s *Store) AdvanceNextFire(ctx context.Context, id uuid.UUID, version int64, next, computedAt time.Time) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryAdvanceNextFire, id, version, next, computedAt)
	if err != nil {
		return false, fmt.Errorf("postgres: advance next fire: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: advance next fire: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	ok, err := s.exists(ctx, queryScheduleExists, id)
	if err != nil {
		return false, fmt.Errorf("postgres: advance next fire: %w", err)
	}
	if !ok {
		return false, domain.ErrScheduleNotFound
	}
	return false, nil
}

var _ scheduler.Store = (*Store)(nil)
