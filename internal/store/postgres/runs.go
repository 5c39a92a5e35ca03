package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/ledger"
)

// CreateRunIfAbsent inserts run. On an idempotency key collision the
// existing row is returned with false.
func (s *Store) CreateRunIfAbsent(ctx context.Context, run domain.ExecutionRun) (domain.ExecutionRun, bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	history, err := encodeHistory(run.History)
	if err != nil {
		return domain.ExecutionRun{}, false, err
	}

	row := s.db.QueryRowContext(ctx, queryInsertRun,
		run.ID,
		nullUUID(run.ScheduleID),
		run.TenantID,
		run.IdempotencyKey,
		string(run.Source),
		string(run.Status),
		run.Attempts,
		run.IntendedFireAt,
		run.ClaimedBy,
		nullTime(run.NextAttemptAt),
		nullTime(run.AdmittedAt),
		nullTime(run.DispatchedAt),
		run.CreatedAt,
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
		string(run.LastErrorKind),
		run.LastError,
		history,
	)
	created, err := scanRun(row)
	if err == nil {
		return created, true, nil
	}
	if !isDuplicateKeyError(err) {
		return domain.ExecutionRun{}, false, fmt.Errorf("postgres: insert run: %w", err)
	}

	existing, err := s.getRun(ctx, queryGetRunByKey, run.IdempotencyKey)
	if err != nil {
		return domain.ExecutionRun{}, false, err
	}
	return existing, false, nil
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (domain.ExecutionRun, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.getRun(ctx, queryGetRun, id)
}

func (s *Store) GetRunByKey(ctx context.Context, key string) (domain.ExecutionRun, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.getRun(ctx, queryGetRunByKey, key)
}

func (s *Store) getRun(ctx context.Context, query string, arg any) (domain.ExecutionRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ExecutionRun{}, ledger.ErrRunNotFound
	}
	if err != nil {
		return domain.ExecutionRun{}, fmt.Errorf("postgres: get run: %w", err)
	}
	return run, nil
}

// ListRuns pages runs newest first. The cursor comparison uses a row
// constructor so it matches the (created_at DESC, id DESC) ordering.
func (s *Store) ListRuns(ctx context.Context, filter ledger.RunFilter, after *ledger.Cursor, limit int) ([]domain.ExecutionRun, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.ScheduleID != nil {
		where = append(where, "schedule_id = "+arg(*filter.ScheduleID))
	}
	if filter.TenantID != nil {
		where = append(where, "tenant_id = "+arg(*filter.TenantID))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	if after != nil {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(after.CreatedAt), arg(after.ID)))
	}

	query := "SELECT" + runColumns + "\nFROM execution_runs"
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += "\nLIMIT " + arg(limit)
	}

	return s.queryRuns(ctx, query, args...)
}

func (s *Store) ClaimRun(ctx context.Context, id uuid.UUID, workerID string, now time.Time) (domain.ExecutionRun, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	run, err := scanRun(s.db.QueryRowContext(ctx, queryClaimRun, id, workerID, now))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.ExecutionRun{}, fmt.Errorf("postgres: claim run: %w", err)
	}

	// Either the run does not exist or another worker holds it.
	ok, err := s.exists(ctx, queryRunExists, id)
	if err != nil {
		return domain.ExecutionRun{}, fmt.Errorf("postgres: claim run: %w", err)
	}
	if !ok {
		return domain.ExecutionRun{}, ledger.ErrRunNotFound
	}
	return domain.ExecutionRun{}, ledger.ErrClaimConflict
}

// TransitionRun locks the row, checks the source status and writes the
// result of t.Apply in one transaction.
func (s *Store) TransitionRun(ctx context.Context, id uuid.UUID, t ledger.Transition) (domain.ExecutionRun, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExecutionRun{}, fmt.Errorf("postgres: transition run: %w", err)
	}
	defer tx.Rollback()

	run, err := scanRun(tx.QueryRowContext(ctx, queryGetRunForUpdate, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ExecutionRun{}, ledger.ErrRunNotFound
	}
	if err != nil {
		return domain.ExecutionRun{}, fmt.Errorf("postgres: transition run: %w", err)
	}
	if !t.Allows(run.Status) {
		return domain.ExecutionRun{}, ledger.ErrTransitionDenied
	}

	run = t.Apply(run)
	history, err := encodeHistory(run.History)
	if err != nil {
		return domain.ExecutionRun{}, err
	}

	_, err = tx.ExecContext(ctx, queryUpdateRunTransition,
		run.ID,
		string(run.Status),
		run.ClaimedBy,
		nullTime(run.NextAttemptAt),
		nullTime(run.CompletedAt),
		string(run.LastErrorKind),
		run.LastError,
		history,
	)
	if err != nil {
		return domain.ExecutionRun{}, fmt.Errorf("postgres: transition run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.ExecutionRun{}, fmt.Errorf("postgres: transition run: %w", err)
	}
	return run, nil
}

func (s *Store) MarkAdmitted(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryMarkAdmitted, id, now)
	if err != nil {
		return false, fmt.Errorf("postgres: mark admitted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: mark admitted: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	ok, err := s.exists(ctx, queryRunExists, id)
	if err != nil {
		return false, fmt.Errorf("postgres: mark admitted: %w", err)
	}
	if !ok {
		return false, ledger.ErrRunNotFound
	}
	return false, nil
}

func (s *Store) UnmarkAdmitted(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryUnmarkAdmitted, id)
	if err != nil {
		return false, fmt.Errorf("postgres: unmark admitted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: unmark admitted: %w", err)
	}
	return n == 1, nil
}

// MarkReleased is a no-op for runs already released or not yet terminal.
func (s *Store) MarkReleased(ctx context.Context, id uuid.UUID, now time.Time) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, queryMarkReleased, id, now); err != nil {
		return fmt.Errorf("postgres: mark released: %w", err)
	}
	return nil
}

func (s *Store) ExpireSlots(ctx context.Context, completedBefore, now time.Time) (int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryExpireSlots, completedBefore, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: expire slots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: expire slots: %w", err)
	}
	return int(n), nil
}

func (s *Store) MarkDispatched(ctx context.Context, id uuid.UUID, now time.Time) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryMarkDispatched, id, now)
	if err != nil {
		return fmt.Errorf("postgres: mark dispatched: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: mark dispatched: %w", err)
	}
	if n == 0 {
		return ledger.ErrRunNotFound
	}
	return nil
}

func (s *Store) ListStaleRuns(ctx context.Context, startedBefore time.Time, limit int) ([]domain.ExecutionRun, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.queryRuns(ctx, queryListStaleRuns, startedBefore, limit)
}

func (s *Store) ListUnadmitted(ctx context.Context, limit int) ([]domain.ExecutionRun, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.queryRuns(ctx, queryListUnadmitted, limit)
}

func (s *Store) ListDispatchable(ctx context.Context, now, orphanBefore time.Time, limit int) ([]domain.ExecutionRun, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.queryRuns(ctx, queryListDispatchable, now, orphanBefore, limit)
}

func (s *Store) CountActiveByTenant(ctx context.Context) (map[uuid.UUID]int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryCountActiveByTenant)
	if err != nil {
		return nil, fmt.Errorf("postgres: count active: %w", err)
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var (
			tenant uuid.UUID
			n      int
		)
		if err := rows.Scan(&tenant, &n); err != nil {
			return nil, fmt.Errorf("postgres: count active: %w", err)
		}
		counts[tenant] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: count active: %w", err)
	}
	return counts, nil
}

func (s *Store) CountUnadmitted(ctx context.Context) (int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx, queryCountUnadmitted).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count unadmitted: %w", err)
	}
	return n, nil
}

func (s *Store) AppendAudit(ctx context.Context, event domain.AuditEvent) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertAudit,
		event.ID,
		event.RunID,
		event.Action,
		event.Detail,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append audit: %w", err)
	}
	return nil
}

// AuditEvents returns the audit trail of a run, oldest first.
func (s *Store) AuditEvents(ctx context.Context, runID uuid.UUID) ([]domain.AuditEvent, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListAudit, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: list audit: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	return out, nil
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]domain.ExecutionRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	return out, nil
}

var _ ledger.Store = (*Store)(nil)
