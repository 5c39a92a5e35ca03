package leaderelection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockMetrics struct {
	mu       sync.Mutex
	statuses []bool
	acquired int
	lost     []string
}

func (m *mockMetrics) LeaderStatusChanged(isLeader bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, isLeader)
}

func (m *mockMetrics) LeaderAcquired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired++
}

func (m *mockMetrics) LeaderLost(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = append(m.lost, reason)
}

func TestElector_AcquiresAndReleasesOnShutdown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(DefaultLockKey).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(DefaultLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))

	elected := make(chan struct{})
	var demoted int
	metrics := &mockMetrics{}
	ctx, cancel := context.WithCancel(context.Background())

	e := New(db, DefaultLockKey, 10*time.Millisecond, time.Hour,
		func(leaderCtx context.Context) {
			close(elected)
			<-leaderCtx.Done()
		},
		func() { demoted++ },
	).WithMetrics(metrics)

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	select {
	case <-elected:
	case <-time.After(time.Second):
		t.Fatal("onElected not called")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}

	assert.Equal(t, 1, demoted)
	assert.Equal(t, []bool{true, false}, metrics.statuses)
	assert.Equal(t, 1, metrics.acquired)
	assert.Equal(t, []string{ReasonShutdown}, metrics.lost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestElector_FollowerRetries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 2; i++ {
		mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
			WithArgs(DefaultLockKey).
			WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := New(db, DefaultLockKey, 5*time.Millisecond, time.Hour,
		func(context.Context) { t.Error("follower must not be elected") },
		func() { t.Error("follower must not be demoted") },
	)

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for mock.ExpectationsWereMet() != nil && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done

	assert.NoError(t, mock.ExpectationsWereMet())
}
