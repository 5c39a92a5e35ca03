// Package postgres implements the ledger, schedule and dead-letter stores on
// PostgreSQL via lib/pq. Every status change is a guarded UPDATE so the
// database, not the caller, arbitrates races between replicas.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/djlord-it/reportcron/internal/domain"
)

const uniqueViolation = "23505"

type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a store on db. The caller owns the pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// WithOpTimeout bounds each store call. Zero leaves the caller's deadline
// untouched.
func (s *Store) WithOpTimeout(d time.Duration) *Store {
	s.opTimeout = d
	return s
}

// Ping checks connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

func (s *Store) exists(ctx context.Context, query string, id uuid.UUID) (bool, error) {
	var ok bool
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.ExecutionRun, error) {
	var (
		run        domain.ExecutionRun
		scheduleID uuid.NullUUID
		source     string
		status     string
		kind       string
		history    []byte
		nextAt     sql.NullTime
		admittedAt sql.NullTime
		dispatched sql.NullTime
		startedAt  sql.NullTime
		completed  sql.NullTime
	)
	err := row.Scan(
		&run.ID,
		&scheduleID,
		&run.TenantID,
		&run.IdempotencyKey,
		&source,
		&status,
		&run.Attempts,
		&run.IntendedFireAt,
		&run.ClaimedBy,
		&nextAt,
		&admittedAt,
		&dispatched,
		&run.CreatedAt,
		&startedAt,
		&completed,
		&kind,
		&run.LastError,
		&history,
	)
	if err != nil {
		return domain.ExecutionRun{}, err
	}

	if scheduleID.Valid {
		id := scheduleID.UUID
		run.ScheduleID = &id
	}
	run.Source = domain.TriggerSource(source)
	run.Status = domain.RunStatus(status)
	run.LastErrorKind = domain.ErrorKind(kind)
	run.NextAttemptAt = timeFromNull(nextAt)
	run.AdmittedAt = timeFromNull(admittedAt)
	run.DispatchedAt = timeFromNull(dispatched)
	run.StartedAt = timeFromNull(startedAt)
	run.CompletedAt = timeFromNull(completed)
	if run.History, err = decodeHistory(history); err != nil {
		return domain.ExecutionRun{}, err
	}
	return run, nil
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		sched      domain.Schedule
		nextFire   sql.NullTime
		computedAt sql.NullTime
	)
	err := row.Scan(
		&sched.ID,
		&sched.TenantID,
		&sched.Name,
		&sched.CronExpression,
		&sched.Timezone,
		&sched.Active,
		&nextFire,
		&computedAt,
		&sched.NextFireVersion,
		&sched.Version,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
	if err != nil {
		return domain.Schedule{}, err
	}
	sched.NextFireAt = timeFromNull(nextFire)
	sched.NextFireComputedAt = timeFromNull(computedAt)
	return sched, nil
}

func scanDeadLetter(row rowScanner) (domain.DeadLetterEntry, error) {
	var (
		entry       domain.DeadLetterEntry
		scheduleID  uuid.NullUUID
		replayRunID uuid.NullUUID
		kind        string
		class       string
		history     []byte
		replayedAt  sql.NullTime
	)
	err := row.Scan(
		&entry.ID,
		&entry.RunID,
		&scheduleID,
		&entry.TenantID,
		&entry.IdempotencyKey,
		&kind,
		&class,
		&history,
		&entry.ReplayEligible,
		&entry.ReplayNonce,
		&replayRunID,
		&replayedAt,
		&entry.CreatedAt,
	)
	if err != nil {
		return domain.DeadLetterEntry{}, err
	}

	if scheduleID.Valid {
		id := scheduleID.UUID
		entry.ScheduleID = &id
	}
	if replayRunID.Valid {
		id := replayRunID.UUID
		entry.ReplayRunID = &id
	}
	entry.Kind = domain.ErrorKind(kind)
	entry.Class = domain.FailureClass(class)
	entry.ReplayedAt = timeFromNull(replayedAt)
	if entry.History, err = decodeHistory(history); err != nil {
		return domain.DeadLetterEntry{}, err
	}
	return entry, nil
}

func encodeHistory(h []domain.AttemptRecord) ([]byte, error) {
	if h == nil {
		h = []domain.AttemptRecord{}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode history: %w", err)
	}
	return data, nil
}

func decodeHistory(data []byte) ([]domain.AttemptRecord, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var h []domain.AttemptRecord
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("postgres: decode history: %w", err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	return h, nil
}

func timeFromNull(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
