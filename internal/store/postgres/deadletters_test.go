package postgres

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/ledger"
	"github.com/djlord-it/reportcron/internal/retry"
)

var deadLetterColumnNames = []string{
	"id", "run_id", "schedule_id", "tenant_id", "idempotency_key", "kind", "class", "history",
	"replay_eligible", "replay_nonce", "replay_run_id", "replayed_at", "created_at",
}

func sampleEntry() domain.DeadLetterEntry {
	return domain.DeadLetterEntry{
		ID:             uuid.New(),
		RunID:          uuid.New(),
		TenantID:       uuid.New(),
		IdempotencyKey: "manual:abc",
		Kind:           domain.ErrorKindUpstreamUnavailable,
		Class:          domain.FailureTransient,
		History: []domain.AttemptRecord{
			{Attempt: 1, Kind: domain.ErrorKindUpstreamUnavailable, OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		},
		ReplayEligible: true,
		CreatedAt:      time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func entryRow(e domain.DeadLetterEntry, history string) []driver.Value {
	var replayRun driver.Value
	if e.ReplayRunID != nil {
		replayRun = e.ReplayRunID.String()
	}
	return []driver.Value{
		e.ID.String(), e.RunID.String(), nil, e.TenantID.String(), e.IdempotencyKey,
		string(e.Kind), string(e.Class), []byte(history),
		e.ReplayEligible, e.ReplayNonce, replayRun, optTime(e.ReplayedAt), e.CreatedAt,
	}
}

func TestPushDeadLetter_Inserted(t *testing.T) {
	s, mock := newMockStore(t)
	entry := sampleEntry()

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (run_id) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, created, err := s.PushDeadLetter(context.Background(), entry)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, entry.ID, got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPushDeadLetter_ExistingForRun(t *testing.T) {
	s, mock := newMockStore(t)
	entry := sampleEntry()
	stored := entry
	stored.ID = uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (run_id) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE run_id = $1")).
		WithArgs(entry.RunID).
		WillReturnRows(sqlmock.NewRows(deadLetterColumnNames).
			AddRow(entryRow(stored, `[{"attempt":1,"kind":"upstream_unavailable","occurred_at":"2026-03-01T09:00:00Z"}]`)...))

	got, created, err := s.PushDeadLetter(context.Background(), entry)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.ID, got.ID)
	require.Len(t, got.History, 1)
	assert.Equal(t, domain.ErrorKindUpstreamUnavailable, got.History[0].Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDeadLetter_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM dead_letters")).
		WillReturnRows(sqlmock.NewRows(deadLetterColumnNames))

	_, err := s.GetDeadLetter(context.Background(), uuid.New())
	assert.ErrorIs(t, err, retry.ErrDeadLetterNotFound)
}

func TestGetDeadLetter_Replayed(t *testing.T) {
	s, mock := newMockStore(t)
	entry := sampleEntry()
	replayRun := uuid.New()
	at := entry.CreatedAt.Add(time.Hour)
	entry.ReplayEligible = false
	entry.ReplayNonce = "n-1"
	entry.ReplayRunID = &replayRun
	entry.ReplayedAt = &at

	mock.ExpectQuery(regexp.QuoteMeta("FROM dead_letters")).
		WithArgs(entry.ID).
		WillReturnRows(sqlmock.NewRows(deadLetterColumnNames).AddRow(entryRow(entry, "[]")...))

	got, err := s.GetDeadLetter(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.True(t, got.Replayed())
	assert.Equal(t, replayRun, *got.ReplayRunID)
	assert.Nil(t, got.ScheduleID)
}

func TestListDeadLetters_PendingWithCursor(t *testing.T) {
	s, mock := newMockStore(t)
	tenant := uuid.New()
	cursor := &ledger.Cursor{CreatedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), ID: uuid.New()}

	mock.ExpectQuery(regexp.QuoteMeta("WHERE replayed_at IS NULL AND tenant_id = $1 AND (created_at, id) < ($2, $3)\nORDER BY created_at DESC, id DESC\nLIMIT $4")).
		WithArgs(tenant, cursor.CreatedAt, cursor.ID, 10).
		WillReturnRows(sqlmock.NewRows(deadLetterColumnNames).AddRow(entryRow(sampleEntry(), "[]")...))

	got, err := s.ListDeadLetters(context.Background(), retry.ListOptions{
		PendingOnly: true,
		TenantID:    &tenant,
		After:       cursor,
		Limit:       10,
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountDeadLetters(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM dead_letters")).
		WithArgs(true).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(4)))

	n, err := s.CountDeadLetters(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestMarkReplayed(t *testing.T) {
	at := time.Now().UTC()

	t.Run("first replay", func(t *testing.T) {
		s, mock := newMockStore(t)
		id, runID := uuid.New(), uuid.New()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE dead_letters")).
			WithArgs(id, "nonce-1", runID, at).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := s.MarkReplayed(context.Background(), id, "nonce-1", runID, at)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("already replayed", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE dead_letters")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM dead_letters")).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		ok, err := s.MarkReplayed(context.Background(), uuid.New(), "nonce-2", uuid.New(), at)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("missing", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE dead_letters")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := s.MarkReplayed(context.Background(), uuid.New(), "nonce-3", uuid.New(), at)
		assert.ErrorIs(t, err, retry.ErrDeadLetterNotFound)
	})
}

func TestListMissingDeadLetters(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	run := sampleRun()
	run.Status = domain.RunStatusFailed

	mock.ExpectQuery(regexp.QuoteMeta("NOT EXISTS (SELECT 1 FROM dead_letters d WHERE d.run_id = r.id)")).
		WithArgs(cutoff, 50).
		WillReturnRows(runRows(run))

	got, err := s.ListMissingDeadLetters(context.Background(), cutoff, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, run.ID, got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
