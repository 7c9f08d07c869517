package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitBroker is the subset of the shared RabbitMQ client used by RabbitQueue
type RabbitBroker interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
	Close() error
}

type rabbitPending struct {
	delivery amqp.Delivery
	timer    *time.Timer
}

// RabbitQueue adapts a RabbitMQ consumer to the poll/acknowledge contract.
// RabbitMQ has no visibility timeout, so every delivery gets a timer that
// nacks it back onto the queue when it is not acknowledged in time.
type RabbitQueue struct {
	broker      RabbitBroker
	consumerTag string
	visibility  time.Duration
	logger      *slog.Logger

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
	pending    map[string]*rabbitPending
	closed     bool
}

// NewRabbitQueue creates a queue client; consumption starts on the first Poll
func NewRabbitQueue(broker RabbitBroker, consumerTag string, visibility time.Duration, logger *slog.Logger) *RabbitQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &RabbitQueue{
		broker:      broker,
		consumerTag: consumerTag,
		visibility:  visibility,
		logger:      logger,
		pending:     make(map[string]*rabbitPending),
	}
}

func (q *RabbitQueue) consume() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	if q.deliveries != nil {
		return q.deliveries, nil
	}

	deliveries, err := q.broker.Consume(q.consumerTag)
	if err != nil {
		return nil, err
	}
	q.deliveries = deliveries
	return deliveries, nil
}

func (q *RabbitQueue) resetConsumer() {
	q.mu.Lock()
	q.deliveries = nil
	q.mu.Unlock()
}

// Poll waits up to wait for the first delivery, then takes whatever else is
// already buffered by the prefetch window without blocking
func (q *RabbitQueue) Poll(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}

	deliveries, err := q.consume()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var out []Message
	for len(out) < max {
		if len(out) == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
				return nil, nil
			case d, ok := <-deliveries:
				if !ok {
					q.resetConsumer()
					return nil, errors.New("rabbitmq delivery channel closed")
				}
				out = append(out, q.track(d))
			}
			continue
		}

		select {
		case d, ok := <-deliveries:
			if !ok {
				q.resetConsumer()
				return out, nil
			}
			out = append(out, q.track(d))
		default:
			return out, nil
		}
	}

	return out, nil
}

func (q *RabbitQueue) track(d amqp.Delivery) Message {
	receipt := strconv.FormatUint(d.DeliveryTag, 10)

	q.mu.Lock()
	q.pending[receipt] = &rabbitPending{
		delivery: d,
		timer:    time.AfterFunc(q.visibility, func() { q.expire(receipt) }),
	}
	q.mu.Unlock()

	return Message{
		ID:           d.MessageId,
		Body:         d.Body,
		Receipt:      receipt,
		ReceiveCount: receiveCount(d),
	}
}

// expire returns an unacknowledged delivery to the queue
func (q *RabbitQueue) expire(receipt string) {
	q.mu.Lock()
	p, ok := q.pending[receipt]
	if ok {
		delete(q.pending, receipt)
	}
	q.mu.Unlock()

	if !ok {
		return
	}

	if err := p.delivery.Nack(false, true); err != nil {
		q.logger.Warn("Failed to requeue expired delivery",
			slog.String("receipt", receipt),
			slog.Any("error", err),
		)
		return
	}

	q.logger.Debug("Visibility timeout expired, delivery requeued",
		slog.String("receipt", receipt),
	)
}

// Acknowledge acks the delivery if its visibility timer has not fired yet
func (q *RabbitQueue) Acknowledge(ctx context.Context, msg Message) error {
	q.mu.Lock()
	p, ok := q.pending[msg.Receipt]
	if !ok || !p.timer.Stop() {
		q.mu.Unlock()
		return ErrStaleReceipt
	}
	delete(q.pending, msg.Receipt)
	q.mu.Unlock()

	if err := p.delivery.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}
	return nil
}

// ExtendVisibility restarts the visibility timer of a pending delivery
func (q *RabbitQueue) ExtendVisibility(ctx context.Context, msg Message, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[msg.Receipt]
	if !ok || !p.timer.Stop() {
		return ErrStaleReceipt
	}
	p.timer.Reset(timeout)
	return nil
}

// Send publishes a JSON body with the broker's retry policy
func (q *RabbitQueue) Send(ctx context.Context, body []byte) error {
	return q.broker.PublishWithRetry(ctx, body, "application/json")
}

// Close stops all visibility timers and closes the broker connection.
// Unacknowledged deliveries are requeued by RabbitMQ when the channel closes.
func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	for receipt, p := range q.pending {
		p.timer.Stop()
		delete(q.pending, receipt)
	}
	q.mu.Unlock()

	return q.broker.Close()
}

// receiveCount derives the delivery attempt from the quorum queue header or
// the redelivered flag
func receiveCount(d amqp.Delivery) int {
	switch v := d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}
