package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// The database clock decides expiry so replicas with skewed clocks agree.
const queryAcquireLock = `
INSERT INTO trigger_locks (lock_key, holder, expires_at)
VALUES ($1, $2, NOW() + ($3 * INTERVAL '1 millisecond'))
ON CONFLICT (lock_key) DO UPDATE
SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
WHERE trigger_locks.expires_at < NOW()
   OR trigger_locks.holder = EXCLUDED.holder
`

const queryReleaseLock = `
DELETE FROM trigger_locks
WHERE lock_key = $1 AND holder = $2
`

// PostgresLocker implements Locker on the trigger_locks table.
type PostgresLocker struct {
	db *sql.DB
}

func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

func (l *PostgresLocker) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	res, err := l.db.ExecContext(ctx, queryAcquireLock, key, holder, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	return n == 1, nil
}

func (l *PostgresLocker) Release(ctx context.Context, key, holder string) error {
	if _, err := l.db.ExecContext(ctx, queryReleaseLock, key, holder); err != nil {
		return fmt.Errorf("lock: release %s: %w", key, err)
	}
	return nil
}

var _ Locker = (*PostgresLocker)(nil)
