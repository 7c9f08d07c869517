package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cuongbtq/upscale-worker/internal/blob"
	"github.com/cuongbtq/upscale-worker/internal/queue"
	"github.com/cuongbtq/upscale-worker/internal/transform"
	"github.com/cuongbtq/upscale-worker/internal/worker/domain"
)

// FailurePolicy decides how transform errors of unknown kind are treated
type FailurePolicy string

const (
	// FailurePolicyRetry leaves the message for redelivery
	FailurePolicyRetry FailurePolicy = "retry"
	// FailurePolicyDrop treats the error as permanent
	FailurePolicyDrop FailurePolicy = "drop"
)

// ParseFailurePolicy accepts "retry" or "drop"; empty means retry
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailurePolicyRetry:
		return FailurePolicyRetry, nil
	case FailurePolicyDrop:
		return FailurePolicyDrop, nil
	default:
		return "", fmt.Errorf("unknown transform failure policy %q", s)
	}
}

// ProcessorConfig holds per-job settings
type ProcessorConfig struct {
	Operation          string
	ContentType        string
	DefaultScaleFactor int

	JobTimeout          time.Duration
	HeartbeatInterval   time.Duration
	VisibilityExtension time.Duration

	// MaxReceiveCount turns a transient failure into a permanent one on the
	// last allowed delivery. 0 leaves redelivery limits to the broker.
	MaxReceiveCount int
	FailurePolicy   FailurePolicy
}

// Result is the outcome of processing one message
type Result struct {
	Outcome domain.Outcome
	JobID   string
	Err     error
}

// Processor runs the fetch, transform, store steps for a single message
type Processor struct {
	logger   *slog.Logger
	extender queue.Extender
	store    blob.Store
	engine   transform.Engine
	cfg      ProcessorConfig
}

// NewProcessor creates a processor. If q implements queue.Extender and a
// heartbeat interval is set, visibility is extended while a job runs.
func NewProcessor(logger *slog.Logger, q queue.Client, store blob.Store, engine transform.Engine, cfg ProcessorConfig) *Processor {
	if cfg.Operation == "" {
		cfg.Operation = domain.OperationUpscale
	}
	if cfg.ContentType == "" {
		cfg.ContentType = domain.ContentTypePNG
	}
	if cfg.DefaultScaleFactor <= 0 {
		cfg.DefaultScaleFactor = domain.DefaultScaleFactor
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailurePolicyRetry
	}

	p := &Processor{
		logger: logger,
		store:  store,
		engine: engine,
		cfg:    cfg,
	}
	if ext, ok := q.(queue.Extender); ok && cfg.HeartbeatInterval > 0 {
		p.extender = ext
	}
	return p
}

// Process handles one delivery. It never returns an error: every failure is
// folded into the Result outcome.
func (p *Processor) Process(ctx context.Context, msg queue.Message) (res Result) {
	start := time.Now()
	jobID := ""

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Recovered panic while processing job",
				slog.String("message_id", msg.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = p.transient(msg, jobID, fmt.Errorf("panic: %v", r))
		}
	}()

	job, err := domain.ParseJob(msg.Body, p.cfg.Operation, p.cfg.DefaultScaleFactor)
	if err != nil {
		p.logger.Error("Failed to parse job message",
			slog.String("message_id", msg.ID),
			slog.String("body", string(msg.Body)),
			slog.Any("error", err),
		)
		return Result{Outcome: domain.OutcomePermanentFailure, Err: err}
	}
	job.Attempt = msg.ReceiveCount
	jobID = job.ID

	logger := p.logger.With(
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempt),
	)
	logger.Info("Processing job",
		slog.Int("scale_factor", job.ScaleFactor),
	)

	jobCtx := ctx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	if p.extender != nil {
		heartbeatDone := make(chan struct{})
		go p.sendVisibilityHeartbeat(jobCtx, logger, msg, heartbeatDone)
		defer close(heartbeatDone)
	}

	err = p.run(jobCtx, job)
	if err == nil {
		logger.Info("Job processed",
			slog.Duration("duration", time.Since(start)),
		)
		return Result{Outcome: domain.OutcomeSuccess, JobID: job.ID}
	}

	// Cancelled by shutdown: the message goes back to the queue untouched
	// and does not count against max_receive_count
	if ctx.Err() != nil {
		logger.Warn("Job interrupted by shutdown",
			slog.Any("error", err),
		)
		return Result{Outcome: domain.OutcomeTransientFailure, JobID: job.ID, Err: err}
	}

	if domain.IsRetryable(err) {
		return p.transient(msg, job.ID, err)
	}

	return Result{Outcome: domain.OutcomePermanentFailure, JobID: job.ID, Err: err}
}

// run fetches the original, applies the engine and stores the result.
// The returned error is either a permanent sentinel, a RetryableError or a
// transform.PermanentError.
func (p *Processor) run(ctx context.Context, job *domain.Job) error {
	original, err := p.store.Get(ctx, domain.OriginalKey(job.ID))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrOriginalNotFound, domain.OriginalKey(job.ID))
		}
		return domain.NewRetryableError(fmt.Errorf("failed to fetch original: %w", err))
	}

	out, err := p.engine.Apply(ctx, original.Data, transform.Params{ScaleFactor: job.ScaleFactor})
	if err != nil {
		return p.classifyTransformError(err)
	}

	if err := p.store.Put(ctx, domain.ResultKey(job.ID, p.cfg.Operation), out, p.cfg.ContentType); err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to store result: %w", err))
	}
	return nil
}

func (p *Processor) classifyTransformError(err error) error {
	err = fmt.Errorf("transform failed: %w", err)

	switch {
	case transform.IsPermanent(err):
		return err
	case transform.IsTransient(err):
		return domain.NewRetryableError(err)
	case p.cfg.FailurePolicy == FailurePolicyDrop:
		return err
	default:
		return domain.NewRetryableError(err)
	}
}

// transient reports a retryable failure, unless the message has used up its
// allowed deliveries
func (p *Processor) transient(msg queue.Message, jobID string, err error) Result {
	if p.cfg.MaxReceiveCount > 0 && msg.ReceiveCount >= p.cfg.MaxReceiveCount {
		return Result{
			Outcome: domain.OutcomePermanentFailure,
			JobID:   jobID,
			Err:     fmt.Errorf("%w (%d): %w", domain.ErrMaxReceivesExceeded, msg.ReceiveCount, err),
		}
	}
	return Result{Outcome: domain.OutcomeTransientFailure, JobID: jobID, Err: err}
}

// sendVisibilityHeartbeat keeps the delivery hidden while the job is running
func (p *Processor) sendVisibilityHeartbeat(ctx context.Context, logger *slog.Logger, msg queue.Message, done <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	extension := p.cfg.VisibilityExtension
	if extension <= 0 {
		extension = 2 * p.cfg.HeartbeatInterval
	}

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.extender.ExtendVisibility(ctx, msg, extension)
			if errors.Is(err, queue.ErrStaleReceipt) {
				logger.Warn("Receipt expired, stopping visibility heartbeat")
				return
			}
			if err != nil {
				logger.Warn("Failed to extend visibility",
					slog.Any("error", err),
				)
				continue
			}
			logger.Debug("Visibility extended",
				slog.Duration("extension", extension),
			)
		}
	}
}
