// Package lock provides the short-lived per-schedule trigger lock.
//
// The lock only avoids duplicate work between scheduler replicas. The
// execution ledger's idempotency key is what prevents duplicate runs, so a
// lost or expired lock is tolerated.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrInvalidTTL = errors.New("lock ttl must be positive")

// Locker grants a lock only when no other live holder exists. TryAcquire by
// the current holder succeeds and restarts the lease with the new ttl.
// Release by a holder that no longer owns the lock is a no-op.
type Locker interface {
	TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) error
}

type lease struct {
	holder    string
	expiresAt time.Time
}

// MemoryLocker is a process-local Locker for single-replica deployments and
// tests.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	clock  func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: make(map[string]lease),
		clock:  time.Now,
	}
}

// WithClock sets the time source. Intended for tests.
func (l *MemoryLocker) WithClock(clock func() time.Time) *MemoryLocker {
	l.clock = clock
	return l
}

func (l *MemoryLocker) TryAcquire(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if cur, ok := l.leases[key]; ok && cur.holder != holder && now.Before(cur.expiresAt) {
		return false, nil
	}
	l.leases[key] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[key]; ok && cur.holder == holder {
		delete(l.leases, key)
	}
	return nil
}

var _ Locker = (*MemoryLocker)(nil)
