package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/upscale-worker/internal/blob"
	"github.com/cuongbtq/upscale-worker/internal/config"
	"github.com/cuongbtq/upscale-worker/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Queue.Backend = config.QueueBackendMemory
	cfg.Queue.VisibilityTimeout = time.Minute
	cfg.Blob.Backend = config.BlobBackendMemory
	return cfg
}

func TestOpenMemoryBackends(t *testing.T) {
	cfg := memoryConfig()
	cfg.Queue.DeadLetter = "dead-letter"

	res, err := Open(context.Background(), cfg, discardLogger(), "test")
	require.NoError(t, err)
	defer res.Close()

	assert.IsType(t, &queue.MemoryQueue{}, res.Queue)
	assert.IsType(t, &queue.MemoryQueue{}, res.DeadLetter)
	assert.IsType(t, &blob.MemoryStore{}, res.Store)
	assert.Empty(t, res.Health(context.Background()))

	// the dead-letter queue is separate from the job queue
	require.NoError(t, res.DeadLetter.Send(context.Background(), []byte(`{}`)))
	msgs, err := res.Queue.Poll(context.Background(), 1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestOpenWithoutDeadLetter(t *testing.T) {
	res, err := Open(context.Background(), memoryConfig(), discardLogger(), "test")
	require.NoError(t, err)
	defer res.Close()

	assert.Nil(t, res.DeadLetter)
}

func TestOpenUnknownBackend(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *config.Config)
		wantErr string
	}{
		{
			name:    "queue",
			mutate:  func(cfg *config.Config) { cfg.Queue.Backend = "kafka" },
			wantErr: `failed to open queue: unknown queue backend "kafka"`,
		},
		{
			name:    "blob",
			mutate:  func(cfg *config.Config) { cfg.Blob.Backend = "gcs" },
			wantErr: `failed to open blob store: unknown blob backend "gcs"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memoryConfig()
			tt.mutate(cfg)

			res, err := Open(context.Background(), cfg, discardLogger(), "test")
			assert.Nil(t, res)
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestHealthReportsFailures(t *testing.T) {
	res := &Resources{
		Checks: map[string]HealthCheck{
			"ok":     func(context.Context) error { return nil },
			"broken": func(context.Context) error { return errors.New("down") },
		},
		logger: discardLogger(),
	}

	failed := res.Health(context.Background())
	require.Len(t, failed, 1)
	assert.EqualError(t, failed["broken"], "down")
}

func TestCloseRunsClosersInReverse(t *testing.T) {
	var order []string
	res := &Resources{logger: discardLogger()}
	res.onClose(func() error { order = append(order, "first"); return nil })
	res.onClose(func() error { order = append(order, "second"); return errors.New("ignored") })

	res.Close()

	assert.Equal(t, []string{"second", "first"}, order)
}

func TestLoadAWSConfigStaticCredentials(t *testing.T) {
	awsCfg, err := LoadAWSConfig(context.Background(), &config.AWSConfig{
		Region:          "eu-west-1",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)

	assert.Equal(t, "eu-west-1", awsCfg.Region)

	creds, err := awsCfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIDEXAMPLE", creds.AccessKeyID)
	assert.Equal(t, "secret", creds.SecretAccessKey)
}

func TestInitLogger(t *testing.T) {
	log, err := InitLogger(&config.LoggingConfig{Level: "debug", Format: "json", Output: "stdout"}, "upscale-worker", "w-1")
	require.NoError(t, err)
	defer log.Close()

	assert.True(t, log.Enabled(context.Background(), slog.LevelDebug))
}

func TestVerify(t *testing.T) {
	res := &Resources{Checks: make(map[string]HealthCheck), logger: discardLogger()}

	err := res.verify(context.Background(), "s3", func(context.Context) error {
		return errors.New("bucket unavailable")
	})
	assert.EqualError(t, err, "bucket unavailable")
	assert.NotContains(t, res.Checks, "s3")

	require.NoError(t, res.verify(context.Background(), "sqs", func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return nil
	}))
	assert.Contains(t, res.Checks, "sqs")
}

func TestOpenUnreachableAWSBackends(t *testing.T) {
	// nothing listens on port 1, so the startup checks must fail
	const endpoint = "http://127.0.0.1:1"

	tests := []struct {
		name    string
		mutate  func(cfg *config.Config)
		wantErr string
	}{
		{
			name: "sqs",
			mutate: func(cfg *config.Config) {
				cfg.Queue.Backend = config.QueueBackendSQS
				cfg.Queue.SQS.QueueURL = endpoint + "/000000000000/upscale-jobs"
			},
			wantErr: "failed to open queue",
		},
		{
			name: "s3",
			mutate: func(cfg *config.Config) {
				cfg.Blob.Backend = config.BlobBackendS3
				cfg.Blob.S3.Bucket = "images"
				cfg.Blob.S3.UsePathStyle = true
			},
			wantErr: "failed to open blob store",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memoryConfig()
			cfg.AWS = config.AWSConfig{
				Region:          "us-east-1",
				Endpoint:        endpoint,
				AccessKeyID:     "test",
				SecretAccessKey: "test",
			}
			tt.mutate(cfg)

			res, err := Open(context.Background(), cfg, discardLogger(), "test")
			assert.Nil(t, res)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
