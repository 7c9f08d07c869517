package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/upscale-worker/internal/queue"
)

// pollLoop fetches batches sized to the free pool slots and dispatches them.
// It returns once ctx is canceled; shutdown is checked before every poll.
func (w *Worker) pollLoop(ctx context.Context) {
	w.logger.Info("Poll loop started")

	for {
		if ctx.Err() != nil {
			w.logger.Info("Poll loop stopped - context canceled")
			return
		}

		w.setState(StatePolling)
		n := w.acquireSlots(ctx)
		if n == 0 {
			continue
		}

		msgs, err := w.queue.Poll(ctx, n, w.waitTime)
		if err != nil {
			w.releaseSlots(n)
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("Failed to poll queue",
				slog.Any("error", err),
				slog.Duration("backoff", w.pollErrorBackoff),
			)
			w.sleep(ctx, w.pollErrorBackoff)
			continue
		}

		if len(msgs) > n {
			w.logger.Warn("Queue returned more messages than requested",
				slog.Int("requested", n),
				slog.Int("received", len(msgs)),
			)
		}

		w.releaseSlots(n - min(n, len(msgs)))
		if len(msgs) == 0 {
			continue
		}

		w.setState(StateDispatching)
		for i, msg := range msgs {
			if i >= n {
				// no slot reserved, leave it for redelivery
				break
			}
			w.dispatch(msg)
		}
	}
}

// acquireSlots blocks for one free slot, then takes as many more as are free
// without blocking, up to the batch size
func (w *Worker) acquireSlots(ctx context.Context) int {
	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		return 0
	}

	n := 1
	for n < w.maxMessages {
		select {
		case w.slots <- struct{}{}:
			n++
		default:
			return n
		}
	}
	return n
}

func (w *Worker) releaseSlots(n int) {
	for i := 0; i < n; i++ {
		<-w.slots
	}
}

// dispatch hands a message to the pool. A slot is already held for it, so the
// send never blocks for long.
func (w *Worker) dispatch(msg queue.Message) {
	w.logger.Debug("Job dispatched to worker pool",
		slog.String("message_id", msg.ID),
		slog.Int("receive_count", msg.ReceiveCount),
	)
	w.jobsChan <- msg
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
