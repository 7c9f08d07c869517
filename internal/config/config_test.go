package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_AWS_ACCESS_KEY_ID", "AKIDTEST")

			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, "upscale-worker", cfg.App.Name)
			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, int64(10485760), cfg.Server.MaxUploadSize)
			assert.Equal(t, "AKIDTEST", cfg.AWS.AccessKeyID)
			assert.Equal(t, QueueBackendSQS, cfg.Queue.Backend)
			assert.Equal(t, 60*time.Second, cfg.Queue.VisibilityTimeout)
			assert.Equal(t, "http://localhost:4566/000000000000/upscale-jobs", cfg.Queue.SQS.QueueURL)
			assert.Equal(t, "images", cfg.Blob.S3.Bucket)
			assert.True(t, cfg.Blob.S3.UsePathStyle)
			assert.Equal(t, 5*time.Minute, cfg.Blob.S3.PresignTTL)
			assert.Equal(t, 8, cfg.Worker.Concurrency)
			assert.Equal(t, 2*time.Minute, cfg.Worker.JobTimeout)
			assert.Equal(t, 5, cfg.Worker.MaxReceiveCount)
			assert.Equal(t, "drop", cfg.Worker.TransformFailurePolicy)
			assert.Equal(t, "catmullrom", cfg.Transform.Filter)
			assert.Equal(t, 2, cfg.Transform.MaxParallel)

			// defaults fill the rest
			assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout)
			assert.Equal(t, "upscaled", cfg.Transform.Operation)
			assert.Equal(t, 2, cfg.Transform.DefaultScaleFactor)

			require.NoError(t, cfg.ValidateWorkerConfig())
			require.NoError(t, cfg.ValidateAPIConfig())
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/minimal_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 10, cfg.Worker.MaxMessages)
	assert.Equal(t, 20*time.Second, cfg.Worker.WaitTime)
	assert.Equal(t, 30*time.Second, cfg.Worker.DrainTimeout)
	assert.Equal(t, "retry", cfg.Worker.TransformFailurePolicy)
	assert.Equal(t, 30*time.Second, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, "image/png", cfg.Transform.ContentType)
	assert.Equal(t, "lanczos", cfg.Transform.Filter)
	assert.Zero(t, cfg.Transform.MaxParallel)
	assert.Equal(t, 16*1024*1024, cfg.Transform.MaxSourcePixels)
	assert.Equal(t, 64*1024*1024, cfg.Transform.MaxOutputPixels)

	assert.NoError(t, cfg.ValidateWorkerConfig())
	assert.NoError(t, cfg.ValidateAPIConfig())
}

func validConfig() *Config {
	cfg := &Config{
		AWS: AWSConfig{Region: "us-east-1"},
		Queue: QueueConfig{
			Backend: QueueBackendSQS,
			SQS:     SQSConfig{QueueURL: "https://sqs.us-east-1.amazonaws.com/123/jobs"},
		},
		Blob: BlobConfig{
			Backend: BlobBackendS3,
			S3:      S3Config{Bucket: "images"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(c *Config)
		errString string
	}{
		{name: "valid", modify: func(c *Config) {}},
		{
			name:      "unknown queue backend",
			modify:    func(c *Config) { c.Queue.Backend = "kafka" },
			errString: "unknown queue backend",
		},
		{
			name:      "missing queue url",
			modify:    func(c *Config) { c.Queue.SQS.QueueURL = "" },
			errString: "sqs.queue_url is required",
		},
		{
			name:      "missing region",
			modify:    func(c *Config) { c.AWS.Region = "" },
			errString: "aws region is required",
		},
		{
			name: "rabbitmq without host",
			modify: func(c *Config) {
				c.Queue.Backend = QueueBackendRabbitMQ
			},
			errString: "rabbitmq host is required",
		},
		{
			name: "rabbitmq valid",
			modify: func(c *Config) {
				c.Queue.Backend = QueueBackendRabbitMQ
				c.Queue.RabbitMQ.Host = "localhost"
				c.Queue.RabbitMQ.Port = 5672
				c.Queue.RabbitMQ.Exchange.Name = "jobs"
				c.Queue.RabbitMQ.Queue.Name = "upscale"
			},
		},
		{
			name: "postgres invalid port",
			modify: func(c *Config) {
				c.Queue.Backend = QueueBackendPostgres
				c.Queue.Postgres.Database = DatabaseConfig{Host: "db", Port: 70000, Database: "queue"}
			},
			errString: "invalid database port",
		},
		{
			name:      "unknown blob backend",
			modify:    func(c *Config) { c.Blob.Backend = "gcs" },
			errString: "unknown blob backend",
		},
		{
			name: "redis without url",
			modify: func(c *Config) {
				c.Blob.Backend = BlobBackendRedis
			},
			errString: "redis.url is required",
		},
		{
			name:      "zero concurrency",
			modify:    func(c *Config) { c.Worker.Concurrency = -1 },
			errString: "concurrency must be greater than 0",
		},
		{
			name: "heartbeat longer than visibility",
			modify: func(c *Config) {
				c.Worker.HeartbeatInterval = time.Minute
				c.Queue.VisibilityTimeout = 30 * time.Second
			},
			errString: "must be shorter than queue visibility_timeout",
		},
		{
			name:      "unknown failure policy",
			modify:    func(c *Config) { c.Worker.TransformFailurePolicy = "ignore" },
			errString: "transform_failure_policy must be retry or drop",
		},
		{
			name:      "default factor above max",
			modify:    func(c *Config) { c.Transform.DefaultScaleFactor = 16 },
			errString: "default_scale_factor must be between",
		},
		{
			name:      "negative max parallel",
			modify:    func(c *Config) { c.Transform.MaxParallel = -2 },
			errString: "max_parallel must not be negative",
		},
		{
			name:      "negative output pixels",
			modify:    func(c *Config) { c.Transform.MaxOutputPixels = -1 },
			errString: "max_output_pixels must not be negative",
		},
		{
			name: "output limit below source limit",
			modify: func(c *Config) {
				c.Transform.MaxSourcePixels = 1000
				c.Transform.MaxOutputPixels = 999
			},
			errString: "max_output_pixels must be at least max_source_pixels",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(c *Config)
		errString string
	}{
		{name: "valid", modify: func(c *Config) {}},
		{
			name:      "port too high",
			modify:    func(c *Config) { c.Server.Port = 70000 },
			errString: "invalid server port",
		},
		{
			name:      "negative port",
			modify:    func(c *Config) { c.Server.Port = -1 },
			errString: "invalid server port",
		},
		{
			name:      "missing bucket",
			modify:    func(c *Config) { c.Blob.S3.Bucket = "" },
			errString: "s3.bucket is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.ValidateAPIConfig()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}
