package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/transport"
)

func newTestItem() domain.WorkItem {
	return domain.WorkItem{
		RunID:          uuid.New(),
		TenantID:       uuid.New(),
		IdempotencyKey: uuid.NewString(),
		IntendedFireAt: time.Now().UTC(),
		Attempt:        1,
		DispatchedAt:   time.Now().UTC(),
	}
}

func receive(t *testing.T, ch <-chan transport.Delivery) transport.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("delivery channel closed")
		}
		return d
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery")
	}
	return transport.Delivery{}
}

func TestBus_DispatchAndConsume(t *testing.T) {
	bus := NewBus(10)
	item := newTestItem()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bus.Dispatch(ctx, item); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	deliveries, err := bus.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}

	d := receive(t, deliveries)
	if d.Item.RunID != item.RunID {
		t.Errorf("RunID = %v, want %v", d.Item.RunID, item.RunID)
	}
	if err := d.Ack(); err != nil {
		t.Errorf("Ack: %v", err)
	}
}

func TestBus_BufferFullFailsFast(t *testing.T) {
	bus := NewBus(1)
	ctx := context.Background()

	if err := bus.Dispatch(ctx, newTestItem()); err != nil {
		t.Fatalf("first Dispatch failed: %v", err)
	}

	start := time.Now()
	err := bus.Dispatch(ctx, newTestItem())
	if !errors.Is(err, ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull, got: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("fail-fast dispatch blocked")
	}
}

func TestBus_DispatchTimeout(t *testing.T) {
	bus := NewBus(1, WithDispatchTimeout(50*time.Millisecond))
	ctx := context.Background()
	_ = bus.Dispatch(ctx, newTestItem())

	if err := bus.Dispatch(ctx, newTestItem()); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull, got: %v", err)
	}
}

func TestBus_ContextCancelled(t *testing.T) {
	bus := NewBus(1, WithDispatchTimeout(5*time.Second))
	_ = bus.Dispatch(context.Background(), newTestItem())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := bus.Dispatch(ctx, newTestItem()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestBus_NackRequeues(t *testing.T) {
	bus := NewBus(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	item := newTestItem()
	_ = bus.Dispatch(ctx, item)

	deliveries, _ := bus.Consume(ctx)
	first := receive(t, deliveries)
	if err := first.Nack(true); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	second := receive(t, deliveries)
	if second.Item.RunID != item.RunID {
		t.Fatalf("requeued item: got %v, want %v", second.Item.RunID, item.RunID)
	}
	if err := second.Nack(false); err != nil {
		t.Fatal(err)
	}
	if bus.Len() != 0 {
		t.Fatalf("nack without requeue left %d items", bus.Len())
	}
}

func TestBus_ConcurrentConsumers(t *testing.T) {
	bus := NewBus(1000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const producers = 10
	const perProducer = 100

	var received atomic.Int64
	seen := sync.Map{}
	done := make(chan struct{})
	var closeOnce sync.Once

	for i := 0; i < 3; i++ {
		deliveries, _ := bus.Consume(ctx)
		go func() {
			for d := range deliveries {
				if _, dup := seen.LoadOrStore(d.Item.RunID, true); dup {
					t.Errorf("item %s delivered twice", d.Item.RunID)
				}
				_ = d.Ack()
				if received.Add(1) == producers*perProducer {
					closeOnce.Do(func() { close(done) })
				}
			}
		}()
	}

	var wg sync.WaitGroup
	var dispatchErrors atomic.Int64
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				if err := bus.Dispatch(ctx, newTestItem()); err != nil {
					dispatchErrors.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("received %d of %d items", received.Load(), producers*perProducer)
	}
	if dispatchErrors.Load() > 0 {
		t.Errorf("had %d dispatch errors", dispatchErrors.Load())
	}
}

func TestBus_ConsumeStopsOnCancel(t *testing.T) {
	bus := NewBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	deliveries, _ := bus.Consume(ctx)
	cancel()

	select {
	case _, ok := <-deliveries:
		if ok {
			t.Fatal("unexpected delivery")
		}
	case <-time.After(time.Second):
		t.Fatal("delivery channel not closed")
	}
}

// mockBusMetrics tracks calls to MetricsSink methods.
type mockBusMetrics struct {
	mu                    sync.Mutex
	bufferSizeCalls       []int
	bufferCapacityCalls   []int
	bufferSaturationCalls []float64
	dispatchErrorCalls    int
}

func (m *mockBusMetrics) BufferSizeUpdate(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bufferSizeCalls = append(m.bufferSizeCalls, size)
}

func (m *mockBusMetrics) BufferCapacitySet(capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bufferCapacityCalls = append(m.bufferCapacityCalls, capacity)
}

func (m *mockBusMetrics) BufferSaturationUpdate(saturation float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bufferSaturationCalls = append(m.bufferSaturationCalls, saturation)
}

func (m *mockBusMetrics) DispatchError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchErrorCalls++
}

func TestBus_WithMetrics(t *testing.T) {
	metrics := &mockBusMetrics{}
	bus := NewBus(4, WithMetrics(metrics))

	if len(metrics.bufferCapacityCalls) != 1 || metrics.bufferCapacityCalls[0] != 4 {
		t.Errorf("BufferCapacitySet calls: %v", metrics.bufferCapacityCalls)
	}

	if err := bus.Dispatch(context.Background(), newTestItem()); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.bufferSizeCalls) != 1 || metrics.bufferSizeCalls[0] != 1 {
		t.Errorf("BufferSizeUpdate calls: %v", metrics.bufferSizeCalls)
	}
	if len(metrics.bufferSaturationCalls) != 1 || metrics.bufferSaturationCalls[0] != 0.25 {
		t.Errorf("BufferSaturationUpdate calls: %v", metrics.bufferSaturationCalls)
	}
}

func TestBus_MetricsOnBufferFull(t *testing.T) {
	metrics := &mockBusMetrics{}
	bus := NewBus(1, WithMetrics(metrics))
	ctx := context.Background()

	_ = bus.Dispatch(ctx, newTestItem())
	_ = bus.Dispatch(ctx, newTestItem())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.dispatchErrorCalls != 1 {
		t.Errorf("DispatchError should be called once on buffer full, got %d", metrics.dispatchErrorCalls)
	}
}
