package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/color"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/upscale-worker/internal/blob"
	"github.com/cuongbtq/upscale-worker/internal/queue"
	"github.com/cuongbtq/upscale-worker/internal/transform"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func jobBody(id string, factor int) []byte {
	body, _ := json.Marshal(map[string]any{"id": id, "scale_factor": factor})
	return body
}

// eventLog records put and ack events in the order they happened
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

func (l *eventLog) index(e string) int {
	return slices.Index(l.snapshot(), e)
}

type recordingStore struct {
	blob.Store
	log *eventLog
}

func (s *recordingStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := s.Store.Put(ctx, key, data, contentType); err != nil {
		return err
	}
	s.log.add("put:" + key)
	return nil
}

type recordingQueue struct {
	*queue.MemoryQueue
	log *eventLog
}

func (q *recordingQueue) Acknowledge(ctx context.Context, msg queue.Message) error {
	if err := q.MemoryQueue.Acknowledge(ctx, msg); err != nil {
		return err
	}
	var body struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(msg.Body, &body)
	q.log.add("ack:" + body.ID)
	return nil
}

// flakyQueue fails the first failures polls
type flakyQueue struct {
	*queue.MemoryQueue
	failures atomic.Int32
}

func (q *flakyQueue) Poll(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	if q.failures.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	return q.MemoryQueue.Poll(ctx, max, wait)
}

type failingStore struct {
	blob.Store
	getErr error
	putErr error
}

func (s *failingStore) Get(ctx context.Context, key string) (*blob.Object, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.Store.Get(ctx, key)
}

func (s *failingStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.Store.Put(ctx, key, data, contentType)
}

type recordingSink struct {
	mu      sync.Mutex
	reports []Result
}

func (s *recordingSink) Report(ctx context.Context, msg queue.Message, res Result) error {
	s.mu.Lock()
	s.reports = append(s.reports, res)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

// countingEngine tags its input and tracks call count and peak concurrency
type countingEngine struct {
	delay   time.Duration
	calls   atomic.Int32
	current atomic.Int32
	peak    atomic.Int32
}

func (e *countingEngine) Apply(ctx context.Context, src []byte, p transform.Params) ([]byte, error) {
	e.calls.Add(1)
	n := e.current.Add(1)
	defer e.current.Add(-1)
	for {
		old := e.peak.Load()
		if n <= old || e.peak.CompareAndSwap(old, n) {
			break
		}
	}

	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return append([]byte("upscaled:"), src...), nil
}

func testConfig(q queue.Client, store blob.Store, engine transform.Engine) *Config {
	return &Config{
		Logger:           discardLogger(),
		Queue:            q,
		Store:            store,
		Engine:           engine,
		WorkerID:         "test-worker",
		Concurrency:      4,
		MaxMessages:      10,
		WaitTime:         20 * time.Millisecond,
		DrainTimeout:     time.Second,
		PollErrorBackoff: 10 * time.Millisecond,
	}
}

// runWorker starts w in the background; stop cancels it and waits for Start to return
func runWorker(t *testing.T, w *Worker) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("worker did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}
