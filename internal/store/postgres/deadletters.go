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
	"github.com/djlord-it/reportcron/internal/retry"
)

// PushDeadLetter stores entry once per run. A second push for the same run
// returns the stored entry with false.
func (s *Store) PushDeadLetter(ctx context.Context, entry domain.DeadLetterEntry) (domain.DeadLetterEntry, bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	history, err := encodeHistory(entry.History)
	if err != nil {
		return domain.DeadLetterEntry{}, false, err
	}

	res, err := s.db.ExecContext(ctx, queryInsertDeadLetter,
		entry.ID,
		entry.RunID,
		nullUUID(entry.ScheduleID),
		entry.TenantID,
		entry.IdempotencyKey,
		string(entry.Kind),
		string(entry.Class),
		history,
		entry.ReplayEligible,
		entry.ReplayNonce,
		nullUUID(entry.ReplayRunID),
		nullTime(entry.ReplayedAt),
		entry.CreatedAt,
	)
	if err != nil {
		return domain.DeadLetterEntry{}, false, fmt.Errorf("postgres: push dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.DeadLetterEntry{}, false, fmt.Errorf("postgres: push dead letter: %w", err)
	}
	if n == 1 {
		return entry, true, nil
	}

	existing, err := s.getDeadLetter(ctx, queryGetDeadLetterByRun, entry.RunID)
	if err != nil {
		return domain.DeadLetterEntry{}, false, err
	}
	return existing, false, nil
}

func (s *Store) GetDeadLetter(ctx context.Context, id uuid.UUID) (domain.DeadLetterEntry, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.getDeadLetter(ctx, queryGetDeadLetter, id)
}

func (s *Store) getDeadLetter(ctx context.Context, query string, id uuid.UUID) (domain.DeadLetterEntry, error) {
	entry, err := scanDeadLetter(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeadLetterEntry{}, retry.ErrDeadLetterNotFound
	}
	if err != nil {
		return domain.DeadLetterEntry{}, fmt.Errorf("postgres: get dead letter: %w", err)
	}
	return entry, nil
}

func (s *Store) ListDeadLetters(ctx context.Context, opts retry.ListOptions) ([]domain.DeadLetterEntry, error) {
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

	if opts.PendingOnly {
		where = append(where, "replayed_at IS NULL")
	}
	if opts.TenantID != nil {
		where = append(where, "tenant_id = "+arg(*opts.TenantID))
	}
	if opts.After != nil {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(opts.After.CreatedAt), arg(opts.After.ID)))
	}

	query := "SELECT" + deadLetterColumns + "\nFROM dead_letters"
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		query += "\nLIMIT " + arg(opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan dead letter: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list dead letters: %w", err)
	}
	return out, nil
}

func (s *Store) CountDeadLetters(ctx context.Context, pendingOnly bool) (int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx, queryCountDeadLetters, pendingOnly).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count dead letters: %w", err)
	}
	return n, nil
}

func (s *Store) MarkReplayed(ctx context.Context, id uuid.UUID, nonce string, runID uuid.UUID, at time.Time) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryMarkReplayed, id, nonce, runID, at)
	if err != nil {
		return false, fmt.Errorf("postgres: mark replayed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: mark replayed: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	ok, err := s.exists(ctx, queryDeadLetterExists, id)
	if err != nil {
		return false, fmt.Errorf("postgres: mark replayed: %w", err)
	}
	if !ok {
		return false, retry.ErrDeadLetterNotFound
	}
	return false, nil
}

func (s *Store) ListMissingDeadLetters(ctx context.Context, completedBefore time.Time, limit int) ([]domain.ExecutionRun, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.queryRuns(ctx, queryListMissingDeadLetters, completedBefore, limit)
}

var _ retry.DeadLetterStore = (*Store)(nil)
