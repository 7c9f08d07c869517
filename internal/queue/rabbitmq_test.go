package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcker struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcker) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked), len(a.nacked)
}

type fakeBroker struct {
	deliveries chan amqp.Delivery
	published  [][]byte
	closed     bool
}

func (b *fakeBroker) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	return b.deliveries, nil
}

func (b *fakeBroker) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	b.published = append(b.published, body)
	return nil
}

func (b *fakeBroker) Close() error {
	b.closed = true
	return nil
}

func newDelivery(acker amqp.Acknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  tag,
		MessageId:    body,
		Body:         []byte(body),
	}
}

func TestRabbitQueue_PollBatch(t *testing.T) {
	acker := &fakeAcker{}
	broker := &fakeBroker{deliveries: make(chan amqp.Delivery, 10)}
	q := NewRabbitQueue(broker, "worker-1", time.Second, discardLogger())

	for i := 1; i <= 3; i++ {
		broker.deliveries <- newDelivery(acker, uint64(i), "m")
	}

	msgs, err := q.Poll(context.Background(), 2, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].Receipt)
	assert.Equal(t, "2", msgs[1].Receipt)
	assert.Equal(t, 1, msgs[0].ReceiveCount)

	msgs, err = q.Poll(context.Background(), 2, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestRabbitQueue_PollTimeout(t *testing.T) {
	broker := &fakeBroker{deliveries: make(chan amqp.Delivery)}
	q := NewRabbitQueue(broker, "worker-1", time.Second, discardLogger())

	msgs, err := q.Poll(context.Background(), 5, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRabbitQueue_AcknowledgeStopsTimer(t *testing.T) {
	acker := &fakeAcker{}
	broker := &fakeBroker{deliveries: make(chan amqp.Delivery, 1)}
	q := NewRabbitQueue(broker, "worker-1", 30*time.Millisecond, discardLogger())

	broker.deliveries <- newDelivery(acker, 7, "m")
	msgs, err := q.Poll(context.Background(), 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.Acknowledge(context.Background(), msgs[0]))
	time.Sleep(60 * time.Millisecond)

	acked, nacked := acker.counts()
	assert.Equal(t, 1, acked)
	assert.Equal(t, 0, nacked)

	assert.ErrorIs(t, q.Acknowledge(context.Background(), msgs[0]), ErrStaleReceipt)
}

func TestRabbitQueue_VisibilityTimeoutRequeues(t *testing.T) {
	acker := &fakeAcker{}
	broker := &fakeBroker{deliveries: make(chan amqp.Delivery, 1)}
	q := NewRabbitQueue(broker, "worker-1", 20*time.Millisecond, discardLogger())

	broker.deliveries <- newDelivery(acker, 3, "m")
	msgs, err := q.Poll(context.Background(), 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.Eventually(t, func() bool {
		_, nacked := acker.counts()
		return nacked == 1
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, q.Acknowledge(context.Background(), msgs[0]), ErrStaleReceipt)
	acked, _ := acker.counts()
	assert.Equal(t, 0, acked)
}

func TestRabbitQueue_ExtendVisibility(t *testing.T) {
	acker := &fakeAcker{}
	broker := &fakeBroker{deliveries: make(chan amqp.Delivery, 1)}
	q := NewRabbitQueue(broker, "worker-1", 30*time.Millisecond, discardLogger())

	broker.deliveries <- newDelivery(acker, 1, "m")
	msgs, err := q.Poll(context.Background(), 1, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.ExtendVisibility(context.Background(), msgs[0], time.Second))
	time.Sleep(60 * time.Millisecond)

	_, nacked := acker.counts()
	assert.Equal(t, 0, nacked)
	assert.NoError(t, q.Acknowledge(context.Background(), msgs[0]))
}

func TestRabbitQueue_SendAndClose(t *testing.T) {
	broker := &fakeBroker{deliveries: make(chan amqp.Delivery)}
	q := NewRabbitQueue(broker, "worker-1", time.Second, discardLogger())

	require.NoError(t, q.Send(context.Background(), []byte(`{"id":"a"}`)))
	require.Len(t, broker.published, 1)

	require.NoError(t, q.Close())
	assert.True(t, broker.closed)

	_, err := q.Poll(context.Background(), 1, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReceiveCount(t *testing.T) {
	assert.Equal(t, 1, receiveCount(amqp.Delivery{}))
	assert.Equal(t, 2, receiveCount(amqp.Delivery{Redelivered: true}))
	assert.Equal(t, 4, receiveCount(amqp.Delivery{Headers: amqp.Table{"x-delivery-count": int64(3)}}))
}
