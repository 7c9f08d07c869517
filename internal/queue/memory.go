package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultVisibilityTimeout is used when a backend is configured without one
const DefaultVisibilityTimeout = 30 * time.Second

type memoryMessage struct {
	id           string
	body         []byte
	receipt      string
	receiveCount int
	visibleAt    time.Time
}

// MemoryQueue is an in-process queue with visibility timeout semantics
type MemoryQueue struct {
	mu         sync.Mutex
	messages   []*memoryMessage
	visibility time.Duration
	notify     chan struct{}
	seq        int
	closed     bool
	now        func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &MemoryQueue{
		visibility: visibility,
		notify:     make(chan struct{}),
		now:        time.Now,
	}
}

// Send enqueues a message that is immediately visible
func (q *MemoryQueue) Send(ctx context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.seq++
	q.messages = append(q.messages, &memoryMessage{
		id:        strconv.Itoa(q.seq),
		body:      append([]byte(nil), body...),
		visibleAt: q.now(),
	})

	// wake up pollers
	close(q.notify)
	q.notify = make(chan struct{})

	return nil
}

// Poll returns up to max visible messages, waiting up to wait for the first one
func (q *MemoryQueue) Poll(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	// re-check periodically so that expired visibility timeouts are picked up
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		msgs, notify, err := q.receive(max)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-notify:
		case <-ticker.C:
		}
	}
}

func (q *MemoryQueue) receive(max int) ([]Message, <-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, nil, ErrClosed
	}

	now := q.now()
	var out []Message
	for _, m := range q.messages {
		if len(out) == max {
			break
		}
		if m.visibleAt.After(now) {
			continue
		}

		m.receipt = uuid.NewString()
		m.receiveCount++
		m.visibleAt = now.Add(q.visibility)

		out = append(out, Message{
			ID:           m.id,
			Body:         append([]byte(nil), m.body...),
			Receipt:      m.receipt,
			ReceiveCount: m.receiveCount,
		})
	}

	return out, q.notify, nil
}

// Acknowledge deletes the message if the receipt still owns it
func (q *MemoryQueue) Acknowledge(ctx context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	for i, m := range q.messages {
		if m.id != msg.ID {
			continue
		}
		if m.receipt != msg.Receipt || msg.Receipt == "" {
			return ErrStaleReceipt
		}
		q.messages = append(q.messages[:i], q.messages[i+1:]...)
		return nil
	}

	return ErrStaleReceipt
}

// ExtendVisibility hides the delivery for another timeout window
func (q *MemoryQueue) ExtendVisibility(ctx context.Context, msg Message, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, m := range q.messages {
		if m.id == msg.ID && m.receipt == msg.Receipt {
			m.visibleAt = q.now().Add(timeout)
			return nil
		}
	}
	return ErrStaleReceipt
}

// Len returns the number of messages not yet acknowledged
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Close rejects further operations
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
