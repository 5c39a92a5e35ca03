package retry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/ledger"
)

var ErrDeadLetterNotFound = errors.New("dead-letter entry not found")

// DeadLetterStore persists dead-letter entries.
type DeadLetterStore interface {
	// PushDeadLetter stores entry unless one already exists for its run,
	// in which case the existing entry is returned with false.
	PushDeadLetter(ctx context.Context, entry domain.DeadLetterEntry) (domain.DeadLetterEntry, bool, error)
	GetDeadLetter(ctx context.Context, id uuid.UUID) (domain.DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context, opts ListOptions) ([]domain.DeadLetterEntry, error)
	CountDeadLetters(ctx context.Context, pendingOnly bool) (int, error)
	// MarkReplayed records a replay once. It returns false if the entry was
	// already replayed.
	MarkReplayed(ctx context.Context, id uuid.UUID, nonce string, runID uuid.UUID, at time.Time) (bool, error)
	// ListMissingDeadLetters returns failed runs that completed before
	// completedBefore and have no entry, oldest first.
	ListMissingDeadLetters(ctx context.Context, completedBefore time.Time, limit int) ([]domain.ExecutionRun, error)
}

// ListOptions filters ListDeadLetters. Entries are ordered newest first.
type ListOptions struct {
	PendingOnly bool
	TenantID    *uuid.UUID
	After       *ledger.Cursor
	Limit       int
}

// Matches applies the filter in memory.
func (o ListOptions) Matches(e domain.DeadLetterEntry) bool {
	if o.PendingOnly && e.Replayed() {
		return false
	}
	if o.TenantID != nil && e.TenantID != *o.TenantID {
		return false
	}
	if o.After != nil && !o.After.Before(e.CreatedAt, e.ID) {
		return false
	}
	return true
}
