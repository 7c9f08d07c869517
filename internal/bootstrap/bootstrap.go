// Package bootstrap builds the queue, blob store and logger shared by the
// worker and ingress services from configuration
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/cuongbtq/upscale-worker/internal/blob"
	"github.com/cuongbtq/upscale-worker/internal/config"
	"github.com/cuongbtq/upscale-worker/internal/queue"
	"github.com/cuongbtq/upscale-worker/shared/logger"
	"github.com/cuongbtq/upscale-worker/shared/postgresql"
	"github.com/cuongbtq/upscale-worker/shared/rabbitmq"
)

const startupCheckTimeout = 10 * time.Second

// HealthCheck reports whether a backend connection is usable
type HealthCheck func(ctx context.Context) error

// Resources holds the connected backends. Close releases them in reverse order.
type Resources struct {
	Queue      queue.Client
	DeadLetter queue.Client // nil when no dead-letter queue is configured
	Store      blob.Store
	Checks     map[string]HealthCheck

	logger  *slog.Logger
	awsCfg  *aws.Config
	closers []func() error
}

// InitLogger initializes the application logger; service and instance are
// attached to every record
func InitLogger(cfg *config.LoggingConfig, service, instance string) (*logger.Logger, error) {
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableSource,
		TimeFormat:   timeFormat,
		Service:      service,
		Instance:     instance,
	})
}

// Open connects the configured queue, dead-letter queue and blob store.
// consumerTag identifies this process to brokers that need one.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger, consumerTag string) (*Resources, error) {
	r := &Resources{
		Checks: make(map[string]HealthCheck),
		logger: log,
	}

	if err := r.openQueue(ctx, cfg, consumerTag); err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}

	if err := r.openBlobStore(ctx, cfg); err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	return r, nil
}

// Close releases every opened backend
func (r *Resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("Failed to close resource",
				slog.Any("error", err),
			)
		}
	}
	r.closers = nil
}

// Health runs every registered check and returns the failures by name
func (r *Resources) Health(ctx context.Context) map[string]error {
	failed := make(map[string]error)
	for name, check := range r.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err
		}
	}
	return failed
}

// verify runs check once so an unreachable backend fails startup, then
// registers it for /health
func (r *Resources) verify(ctx context.Context, name string, check HealthCheck) error {
	checkCtx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()

	if err := check(checkCtx); err != nil {
		return err
	}
	r.Checks[name] = check
	return nil
}

func (r *Resources) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

func (r *Resources) aws(ctx context.Context, cfg *config.AWSConfig) (aws.Config, error) {
	if r.awsCfg != nil {
		return *r.awsCfg, nil
	}

	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return aws.Config{}, err
	}
	r.awsCfg = &awsCfg
	return awsCfg, nil
}

// LoadAWSConfig loads the default AWS configuration with the region and,
// when set, static credentials from cfg
func LoadAWSConfig(ctx context.Context, cfg *config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	return awsCfg, nil
}

func (r *Resources) openQueue(ctx context.Context, cfg *config.Config, consumerTag string) error {
	qc := &cfg.Queue
	log := r.logger.With(slog.String("queue_backend", qc.Backend))

	switch qc.Backend {
	case config.QueueBackendSQS:
		awsCfg, err := r.aws(ctx, &cfg.AWS)
		if err != nil {
			return err
		}
		sq := queue.NewSQSQueueFromConfig(awsCfg, cfg.AWS.Endpoint, qc.SQS.QueueURL, log)
		if err := r.verify(ctx, "sqs", sq.HealthCheck); err != nil {
			return err
		}
		r.Queue = sq

		if qc.DeadLetter != "" {
			dlq := queue.NewSQSQueueFromConfig(awsCfg, cfg.AWS.Endpoint, qc.DeadLetter, log)
			if err := r.verify(ctx, "sqs_dead_letter", dlq.HealthCheck); err != nil {
				return err
			}
			r.DeadLetter = dlq
		}

	case config.QueueBackendRabbitMQ:
		client, err := initRabbitMQ(ctx, &qc.RabbitMQ, "", log)
		if err != nil {
			return err
		}
		r.Queue = queue.NewRabbitQueue(client, consumerTag, qc.VisibilityTimeout, log)
		r.onClose(r.Queue.Close)
		r.Checks["rabbitmq"] = client.HealthCheck

		if qc.DeadLetter != "" {
			dlqClient, err := initRabbitMQ(ctx, &qc.RabbitMQ, qc.DeadLetter, log)
			if err != nil {
				return err
			}
			r.DeadLetter = queue.NewRabbitQueue(dlqClient, consumerTag+"-dlq", qc.VisibilityTimeout, log)
			r.onClose(r.DeadLetter.Close)
		}

	case config.QueueBackendPostgres:
		db, err := initPostgreSQL(ctx, &qc.Postgres.Database, cfg.App.Name, log)
		if err != nil {
			return err
		}
		r.onClose(db.Close)
		r.Checks["postgres"] = db.HealthCheck

		pq := queue.NewPostgresQueue(db.GetDB(), qc.Postgres.QueueName, qc.VisibilityTimeout, qc.Postgres.PollInterval, log)
		if qc.Postgres.EnsureSchema {
			if err := pq.EnsureSchema(ctx); err != nil {
				return err
			}
		}
		r.Queue = pq
		if qc.DeadLetter != "" {
			r.DeadLetter = queue.NewPostgresQueue(db.GetDB(), qc.DeadLetter, qc.VisibilityTimeout, qc.Postgres.PollInterval, log)
		}

	case config.QueueBackendMemory:
		r.Queue = queue.NewMemoryQueue(qc.VisibilityTimeout)
		if qc.DeadLetter != "" {
			r.DeadLetter = queue.NewMemoryQueue(qc.VisibilityTimeout)
		}

	default:
		return fmt.Errorf("unknown queue backend %q", qc.Backend)
	}

	log.Info("Queue connection established",
		slog.Bool("dead_letter", r.DeadLetter != nil),
	)
	return nil
}

func (r *Resources) openBlobStore(ctx context.Context, cfg *config.Config) error {
	bc := &cfg.Blob
	log := r.logger.With(slog.String("blob_backend", bc.Backend))

	switch bc.Backend {
	case config.BlobBackendS3:
		awsCfg, err := r.aws(ctx, &cfg.AWS)
		if err != nil {
			return err
		}
		endpoint := bc.S3.Endpoint
		if endpoint == "" {
			endpoint = cfg.AWS.Endpoint
		}
		store := blob.NewS3StoreFromConfig(awsCfg, blob.S3Options{
			Bucket:       bc.S3.Bucket,
			Endpoint:     endpoint,
			UsePathStyle: bc.S3.UsePathStyle,
		}, log)
		if err := r.verify(ctx, "s3", store.HealthCheck); err != nil {
			return err
		}
		r.Store = store

	case config.BlobBackendRedis:
		client, err := blob.NewRedisClient(ctx, bc.Redis.URL)
		if err != nil {
			return err
		}
		r.onClose(client.Close)
		r.Checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
		r.Store = blob.NewRedisStore(client, bc.Redis.KeyPrefix, bc.Redis.TTL, log)

	case config.BlobBackendMemory:
		r.Store = blob.NewMemoryStore()

	default:
		return fmt.Errorf("unknown blob backend %q", bc.Backend)
	}

	log.Info("Blob store ready")
	return nil
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, appName string, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		ApplicationName: appName,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  cfg.ConnectTimeout,
	}

	return postgresql.NewClient(ctx, dbConfig, logger)
}

// initRabbitMQ initializes a RabbitMQ client. A non-empty queueName replaces
// the configured queue and routing key, which is how the dead-letter queue is declared.
func initRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, queueName string, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}

	if queueName != "" {
		rabbitConfig.QueueName = queueName
		rabbitConfig.RoutingKey = queueName
	}
	if rabbitConfig.RoutingKey == "" {
		rabbitConfig.RoutingKey = rabbitConfig.QueueName
	}

	return rabbitmq.NewClient(ctx, rabbitConfig, logger)
}
