package channel

import (
	"context"
	"errors"
	"time"

	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/transport"
)

// ErrBufferFull is returned by Dispatch when the buffer stays full for the
// dispatch timeout.
var ErrBufferFull = errors.New("work buffer full")

// MetricsSink records buffer metrics. Methods must not block.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	DispatchError()
}

type Option func(*Bus)

// WithDispatchTimeout waits up to d for buffer space. The default is zero,
// which fails fast.
func WithDispatchTimeout(d time.Duration) Option {
	return func(b *Bus) { b.dispatchTimeout = d }
}

func WithMetrics(sink MetricsSink) Option {
	return func(b *Bus) { b.metrics = sink }
}

// Bus is an in-process work queue. Nacked items with requeue are put back
// on the buffer; items are lost if the process exits.
type Bus struct {
	ch              chan domain.WorkItem
	dispatchTimeout time.Duration
	metrics         MetricsSink
}

func NewBus(buffer int, opts ...Option) *Bus {
	b := &Bus{ch: make(chan domain.WorkItem, buffer)}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

func (b *Bus) Dispatch(ctx context.Context, item domain.WorkItem) error {
	select {
	case b.ch <- item:
		b.reportSize()
		return nil
	default:
	}
	if b.dispatchTimeout <= 0 {
		b.reportFull()
		return ErrBufferFull
	}

	timer := time.NewTimer(b.dispatchTimeout)
	defer timer.Stop()
	select {
	case b.ch <- item:
		b.reportSize()
		return nil
	case <-timer.C:
		b.reportFull()
		return ErrBufferFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume may be called by several workers; each item goes to one of them.
func (b *Bus) Consume(ctx context.Context) (<-chan transport.Delivery, error) {
	out := make(chan transport.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case item := <-b.ch:
				b.reportSize()
				d := transport.Delivery{
					Item: item,
					Ack:  func() error { return nil },
					Nack: func(requeue bool) error {
						if !requeue {
							return nil
						}
						return b.Dispatch(context.Background(), item)
					},
				}
				select {
				case out <- d:
				case <-ctx.Done():
					// Put it back for the next consumer.
					_ = b.Dispatch(context.Background(), item)
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *Bus) Len() int {
	return len(b.ch)
}

func (b *Bus) Cap() int {
	return cap(b.ch)
}

func (b *Bus) reportSize() {
	if b.metrics == nil {
		return
	}
	size := len(b.ch)
	b.metrics.BufferSizeUpdate(size)
	if c := cap(b.ch); c > 0 {
		b.metrics.BufferSaturationUpdate(float64(size) / float64(c))
	}
}

func (b *Bus) reportFull() {
	if b.metrics != nil {
		b.metrics.DispatchError()
	}
}

var _ transport.Consumer = (*Bus)(nil)
