// Package transport carries work items from the enqueue pipeline to
// generation workers with at-least-once delivery.
package transport

import (
	"context"

	"github.com/djlord-it/reportcron/internal/domain"
)

// Delivery is one received work item. Exactly one of Ack or Nack should be
// called. A delivery that is never acknowledged may be redelivered.
type Delivery struct {
	Item domain.WorkItem
	Ack  func() error
	Nack func(requeue bool) error
}

// Consumer yields deliveries until ctx is done.
type Consumer interface {
	Consume(ctx context.Context) (<-chan Delivery, error)
}
