package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/upscale-worker/internal/queue"
	"github.com/cuongbtq/upscale-worker/internal/worker/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop runs jobs from jobsChan until it is closed
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	logger := w.logger.With(slog.String("worker_name", workerName))
	logger.Debug("Worker goroutine started")

	for msg := range w.jobsChan {
		res := w.processor.Process(ctx, msg)
		w.settle(ctx, logger, msg, res)
		<-w.slots
	}

	logger.Debug("Worker goroutine stopping - jobsChan closed")
}

// settle acknowledges or leaves the message according to the outcome
func (w *Worker) settle(ctx context.Context, logger *slog.Logger, msg queue.Message, res Result) {
	logger = logger.With(
		slog.String("job_id", res.JobID),
		slog.String("message_id", msg.ID),
		slog.String("outcome", res.Outcome.String()),
	)

	switch res.Outcome {
	case domain.OutcomePermanentFailure:
		logger.Error("Job failed permanently, dropping message",
			slog.Int("receive_count", msg.ReceiveCount),
			slog.Any("error", res.Err),
		)
		if err := w.sink.Report(ctx, msg, res); err != nil {
			logger.Error("Failed to report failed job",
				slog.Any("error", err),
			)
		}

	case domain.OutcomeTransientFailure:
		logger.Warn("Job failed, leaving message for redelivery",
			slog.Int("receive_count", msg.ReceiveCount),
			slog.Any("error", res.Err),
		)
	}

	if !res.Outcome.ShouldAcknowledge() {
		return
	}
	if w.acknowledge(ctx, logger, msg) && res.Outcome == domain.OutcomeSuccess {
		logger.Info("Job completed successfully")
	}
}

func (w *Worker) acknowledge(ctx context.Context, logger *slog.Logger, msg queue.Message) bool {
	// The result is already durable; acknowledge even if the drain deadline canceled ctx
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultAckTimeout)
	defer cancel()

	err := w.queue.Acknowledge(ackCtx, msg)
	switch {
	case err == nil:
		return true
	case errors.Is(err, queue.ErrStaleReceipt):
		logger.Warn("Receipt expired before acknowledgment, message will be redelivered",
			slog.Any("error", err),
		)
	default:
		logger.Error("Failed to acknowledge message",
			slog.Any("error", err),
		)
	}
	return false
}
