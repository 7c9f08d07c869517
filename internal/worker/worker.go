package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/upscale-worker/internal/blob"
	"github.com/cuongbtq/upscale-worker/internal/queue"
	"github.com/cuongbtq/upscale-worker/internal/transform"
)

// State is the lifecycle phase of a Worker
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateDispatching
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Defaults applied by NewWorker for unset fields
const (
	DefaultConcurrency      = 4
	DefaultMaxMessages      = 10
	DefaultWaitTime         = 20 * time.Second
	DefaultDrainTimeout     = 30 * time.Second
	DefaultPollErrorBackoff = 5 * time.Second
	defaultAckTimeout       = 10 * time.Second
)

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Queue    queue.Client
	Store    blob.Store
	Engine   transform.Engine
	Sink     FailureSink
	WorkerID string

	Concurrency      int
	MaxMessages      int
	WaitTime         time.Duration
	DrainTimeout     time.Duration
	PollErrorBackoff time.Duration

	Processor ProcessorConfig
}

// Worker polls the queue and runs jobs on a fixed pool of goroutines
type Worker struct {
	logger    *slog.Logger
	queue     queue.Client
	processor *Processor
	sink      FailureSink
	workerID  string

	concurrency      int
	maxMessages      int
	waitTime         time.Duration
	drainTimeout     time.Duration
	pollErrorBackoff time.Duration

	state    atomic.Int32
	jobsChan chan queue.Message
	slots    chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	logger := cfg.Logger.With(slog.String("worker_id", cfg.WorkerID))

	sink := cfg.Sink
	if sink == nil {
		sink = NewLogSink(logger)
	}

	w := &Worker{
		logger:           logger,
		queue:            cfg.Queue,
		processor:        NewProcessor(logger, cfg.Queue, cfg.Store, cfg.Engine, cfg.Processor),
		sink:             sink,
		workerID:         cfg.WorkerID,
		concurrency:      cfg.Concurrency,
		maxMessages:      cfg.MaxMessages,
		waitTime:         cfg.WaitTime,
		drainTimeout:     cfg.DrainTimeout,
		pollErrorBackoff: cfg.PollErrorBackoff,
	}

	if w.concurrency <= 0 {
		w.concurrency = DefaultConcurrency
	}
	if w.maxMessages <= 0 {
		w.maxMessages = DefaultMaxMessages
	}
	if w.waitTime <= 0 {
		w.waitTime = DefaultWaitTime
	}
	if w.drainTimeout <= 0 {
		w.drainTimeout = DefaultDrainTimeout
	}
	if w.pollErrorBackoff <= 0 {
		w.pollErrorBackoff = DefaultPollErrorBackoff
	}

	return w
}

// State returns the current lifecycle phase
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Start polls and processes jobs until ctx is canceled, then drains in-flight
// jobs. Jobs still running when the drain timeout elapses are canceled and
// their messages are left unacknowledged.
func (w *Worker) Start(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateIdle), int32(StatePolling)) {
		return errors.New("worker already started")
	}

	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Int("max_messages", w.maxMessages),
		slog.Duration("wait_time", w.waitTime),
		slog.Duration("drain_timeout", w.drainTimeout),
	)

	w.jobsChan = make(chan queue.Message, w.concurrency)
	w.slots = make(chan struct{}, w.concurrency)

	// Jobs must survive the shutdown signal; only the drain deadline cancels them
	procCtx, cancelProc := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelProc()

	w.spawnWorkerPool(procCtx)
	w.pollLoop(ctx)

	w.setState(StateDraining)
	close(w.jobsChan)
	w.drain(cancelProc)
	w.setState(StateTerminated)

	w.logger.Info("Worker stopped")
	return nil
}

func (w *Worker) drain(cancel context.CancelFunc) {
	w.logger.Info("Draining in-flight jobs",
		slog.Int("in_flight", len(w.slots)),
		slog.Duration("drain_timeout", w.drainTimeout),
	)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(w.drainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-timer.C:
		w.logger.Warn("Drain timeout elapsed, canceling in-flight jobs",
			slog.Int("in_flight", len(w.slots)),
		)
		cancel()
	}

	<-done
}
