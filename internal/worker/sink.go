package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/upscale-worker/internal/queue"
)

// FailureSink receives messages that failed permanently before they are acknowledged
type FailureSink interface {
	Report(ctx context.Context, msg queue.Message, res Result) error
}

// FailureRecord is the dead-letter payload written by QueueSink
type FailureRecord struct {
	MessageID    string    `json:"message_id"`
	JobID        string    `json:"job_id,omitempty"`
	Body         string    `json:"body"`
	Error        string    `json:"error"`
	ReceiveCount int       `json:"receive_count"`
	WorkerID     string    `json:"worker_id"`
	FailedAt     time.Time `json:"failed_at"`
}

func newFailureRecord(msg queue.Message, res Result, workerID string) FailureRecord {
	rec := FailureRecord{
		MessageID:    msg.ID,
		JobID:        res.JobID,
		Body:         string(msg.Body),
		ReceiveCount: msg.ReceiveCount,
		WorkerID:     workerID,
		FailedAt:     time.Now().UTC(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}

// LogSink only logs the failure
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Report(ctx context.Context, msg queue.Message, res Result) error {
	s.logger.Warn("Dropped message",
		slog.String("message_id", msg.ID),
		slog.String("job_id", res.JobID),
		slog.String("body", string(msg.Body)),
		slog.Any("error", res.Err),
	)
	return nil
}

// QueueSink forwards failure records to a dead-letter queue
type QueueSink struct {
	queue    queue.Client
	workerID string
	logger   *slog.Logger
}

func NewQueueSink(q queue.Client, workerID string, logger *slog.Logger) *QueueSink {
	return &QueueSink{
		queue:    q,
		workerID: workerID,
		logger:   logger,
	}
}

func (s *QueueSink) Report(ctx context.Context, msg queue.Message, res Result) error {
	body, err := json.Marshal(newFailureRecord(msg, res, s.workerID))
	if err != nil {
		return fmt.Errorf("failed to encode failure record: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultAckTimeout)
	defer cancel()

	if err := s.queue.Send(sendCtx, body); err != nil {
		return fmt.Errorf("failed to send to dead-letter queue: %w", err)
	}

	s.logger.Info("Failed job sent to dead-letter queue",
		slog.String("message_id", msg.ID),
		slog.String("job_id", res.JobID),
	)
	return nil
}
