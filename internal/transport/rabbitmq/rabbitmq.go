// Package rabbitmq dispatches work items over a durable RabbitMQ queue.
// Messages are persistent and consumed with manual acknowledgement, so an
// item survives broker restarts and worker crashes until a worker acks it.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/transport"
)

const (
	DefaultExchange = "reportcron"
	DefaultQueue    = "reportcron.work"
	DefaultPrefetch = 16
)

// Channel is the subset of *amqp.Channel used here.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

type Config struct {
	URL      string
	Exchange string
	Queue    string
	Prefetch int
}

type Dispatcher struct {
	conn     *amqp.Connection // nil when built from a Channel
	channel  Channel
	exchange string
	queue    string
	prefetch int
	logger   zerolog.Logger
}

// Dial connects and declares the exchange, queue and binding.
func Dial(cfg Config) (*Dispatcher, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: declare queue: %w", err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.Queue, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: bind queue: %w", err)
	}

	d := New(ch, cfg)
	d.conn = conn
	return d, nil
}

// New wraps an already declared channel.
func New(ch Channel, cfg Config) *Dispatcher {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	return &Dispatcher{
		channel:  ch,
		exchange: cfg.Exchange,
		queue:    cfg.Queue,
		prefetch: cfg.Prefetch,
		logger:   zerolog.Nop(),
	}
}

func (d *Dispatcher) WithLogger(logger zerolog.Logger) *Dispatcher {
	d.logger = logger.With().Str("component", "rabbitmq").Logger()
	return d
}

func (d *Dispatcher) Dispatch(ctx context.Context, item domain.WorkItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("rabbitmq: encode work item: %w", err)
	}
	err = d.channel.PublishWithContext(ctx, d.exchange, d.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    item.RunID.String(),
		Timestamp:    item.DispatchedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: publish: %w", err)
	}
	return nil
}

// Consume starts a manual-ack consumer. Undecodable messages are rejected
// without requeue.
func (d *Dispatcher) Consume(ctx context.Context) (<-chan transport.Delivery, error) {
	if err := d.channel.Qos(d.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("rabbitmq: qos: %w", err)
	}
	msgs, err := d.channel.Consume(d.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: consume: %w", err)
	}

	out := make(chan transport.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var item domain.WorkItem
				if err := json.Unmarshal(msg.Body, &item); err != nil {
					d.logger.Error().Err(err).Str("message_id", msg.MessageId).Msg("dropping undecodable message")
					_ = msg.Nack(false, false)
					continue
				}
				delivery := transport.Delivery{
					Item: item,
					Ack:  func() error { return msg.Ack(false) },
					Nack: func(requeue bool) error { return msg.Nack(false, requeue) },
				}
				select {
				case out <- delivery:
				case <-ctx.Done():
					_ = msg.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping reports whether the connection is open.
func (d *Dispatcher) Ping(_ context.Context) error {
	if d.conn != nil && d.conn.IsClosed() {
		return fmt.Errorf("rabbitmq: connection closed")
	}
	return nil
}

func (d *Dispatcher) Close() error {
	if err := d.channel.Close(); err != nil {
		if d.conn != nil {
			_ = d.conn.Close()
		}
		return err
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

var _ transport.Consumer = (*Dispatcher)(nil)

