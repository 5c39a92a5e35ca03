package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/reportcron/internal/domain"
)

var scheduleColumnNames = []string{
	"id", "tenant_id", "name", "cron_expression", "timezone", "active",
	"next_fire_at", "next_fire_computed_at", "next_fire_version", "version",
	"created_at", "updated_at",
}

func TestListDueSchedules(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC)
	next := now.Add(-time.Minute)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("next_fire_version <> version")).
		WithArgs(now, uuid.Nil, 100).
		WillReturnRows(sqlmock.NewRows(scheduleColumnNames).
			AddRow(id.String(), uuid.New().String(), "weekly sales", "0 9 * * 1", "Europe/Berlin", true,
				next, now.Add(-time.Hour), int64(3), int64(3), now, now))

	got, err := s.ListDueSchedules(context.Background(), now, uuid.Nil, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, "Europe/Berlin", got[0].Location())

	cached, ok := got[0].CachedNextFire()
	require.True(t, ok)
	assert.True(t, next.Equal(cached))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSchedule_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM schedules")).
		WillReturnRows(sqlmock.NewRows(scheduleColumnNames))

	_, err := s.GetSchedule(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrScheduleNotFound)
}

func TestGetSchedule_NullNextFire(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM schedules")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(scheduleColumnNames).
			AddRow(id.String(), uuid.New().String(), "daily", "0 6 * * *", "UTC", true,
				nil, nil, int64(0), int64(1), now, now))

	got, err := s.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, got.NextFireAt)
	_, ok := got.CachedNextFire()
	assert.False(t, ok)
}

func TestAdvanceNextFire(t *testing.T) {
	next := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	computed := next.Add(-24 * time.Hour)

	t.Run("advanced", func(t *testing.T) {
		s, mock := newMockStore(t)
		id := uuid.New()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE schedules")).
			WithArgs(id, int64(4), next, computed).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := s.AdvanceNextFire(context.Background(), id, 4, next, computed)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("lost race", func(t *testing.T) {
		s, mock := newMockStore(t)
		id := uuid.New()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE schedules")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM schedules")).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		ok, err := s.AdvanceNextFire(context.Background(), id, 4, next, computed)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deleted", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE schedules")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := s.AdvanceNextFire(context.Background(), uuid.New(), 4, next, computed)
		assert.ErrorIs(t, err, domain.ErrScheduleNotFound)
	})
}
