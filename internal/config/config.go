package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Queue backends
const (
	QueueBackendSQS      = "sqs"
	QueueBackendRabbitMQ = "rabbitmq"
	QueueBackendPostgres = "postgres"
	QueueBackendMemory   = "memory"
)

// Blob backends
const (
	BlobBackendS3     = "s3"
	BlobBackendRedis  = "redis"
	BlobBackendMemory = "memory"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	AWS       AWSConfig       `yaml:"aws"`
	Queue     QueueConfig     `yaml:"queue"`
	Blob      BlobConfig      `yaml:"blob"`
	Worker    WorkerConfig    `yaml:"worker"`
	Transform TransformConfig `yaml:"transform"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableSource bool   `yaml:"enable_source"`
	TimeFormat   string `yaml:"time_format"`
}

// ServerConfig holds the ingress HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadSize   int64         `yaml:"max_upload_size"`
}

// AWSConfig holds settings shared by the SQS and S3 clients.
// Static credentials are optional; the default chain is used when empty.
type AWSConfig struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// QueueConfig selects and configures the job queue backend
type QueueConfig struct {
	Backend           string        `yaml:"backend"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	// DeadLetter names the queue that receives permanently failed messages:
	// a queue URL for sqs, a queue name for rabbitmq and postgres.
	// Empty means failures are only logged.
	DeadLetter string `yaml:"dead_letter"`

	SQS      SQSConfig           `yaml:"sqs"`
	RabbitMQ RabbitMQConfig      `yaml:"rabbitmq"`
	Postgres PostgresQueueConfig `yaml:"postgres"`
}

// SQSConfig holds SQS queue settings
type SQSConfig struct {
	QueueURL string `yaml:"queue_url"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      RabbitQueue      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// RabbitQueue holds RabbitMQ queue declaration settings
type RabbitQueue struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// PostgresQueueConfig holds the table-backed queue settings
type PostgresQueueConfig struct {
	Database     DatabaseConfig `yaml:"database"`
	QueueName    string         `yaml:"queue_name"`
	PollInterval time.Duration  `yaml:"poll_interval"`
	EnsureSchema bool           `yaml:"ensure_schema"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// BlobConfig selects and configures the object store
type BlobConfig struct {
	Backend string      `yaml:"backend"`
	S3      S3Config    `yaml:"s3"`
	Redis   RedisConfig `yaml:"redis"`
}

// S3Config holds bucket settings. Endpoint overrides aws.endpoint for S3 only.
type S3Config struct {
	Bucket       string        `yaml:"bucket"`
	Endpoint     string        `yaml:"endpoint"`
	UsePathStyle bool          `yaml:"use_path_style"`
	PresignTTL   time.Duration `yaml:"presign_ttl"`
}

// RedisConfig holds Redis blob store settings
type RedisConfig struct {
	URL       string        `yaml:"url"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                     string        `yaml:"id"`
	Concurrency            int           `yaml:"concurrency"`
	MaxMessages            int           `yaml:"max_messages"`
	WaitTime               time.Duration `yaml:"wait_time"`
	JobTimeout             time.Duration `yaml:"job_timeout"`
	DrainTimeout           time.Duration `yaml:"drain_timeout"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	VisibilityExtension    time.Duration `yaml:"visibility_extension"`
	PollErrorBackoff       time.Duration `yaml:"poll_error_backoff"`
	MaxReceiveCount        int           `yaml:"max_receive_count"`
	TransformFailurePolicy string        `yaml:"transform_failure_policy"`
}

// TransformConfig holds engine settings
type TransformConfig struct {
	Operation          string `yaml:"operation"`
	ContentType        string `yaml:"content_type"`
	DefaultScaleFactor int    `yaml:"default_scale_factor"`
	MaxScaleFactor     int    `yaml:"max_scale_factor"`
	Filter             string `yaml:"filter"`
	MaxParallel        int    `yaml:"max_parallel"`
	MaxSourcePixels    int    `yaml:"max_source_pixels"`
	MaxOutputPixels    int    `yaml:"max_output_pixels"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and fills in defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "console")

	setInt(&c.Server.Port, 8080)
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 10*time.Second)
	if c.Server.MaxUploadSize <= 0 {
		c.Server.MaxUploadSize = 20 << 20
	}

	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	setString(&c.Queue.Backend, QueueBackendSQS)
	setDuration(&c.Queue.VisibilityTimeout, 30*time.Second)
	setInt(&c.Queue.RabbitMQ.Port, 5672)
	setInt(&c.Queue.RabbitMQ.Connection.RetryAttempts, 5)
	setDuration(&c.Queue.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setInt(&c.Queue.RabbitMQ.Consumer.PrefetchCount, 10)
	setString(&c.Queue.RabbitMQ.Exchange.Type, "direct")
	setString(&c.Queue.Postgres.QueueName, "upscale-jobs")
	setString(&c.Queue.Postgres.Database.SSLMode, "disable")
	setDuration(&c.Queue.Postgres.PollInterval, 500*time.Millisecond)

	c.Blob.Backend = strings.ToLower(strings.TrimSpace(c.Blob.Backend))
	setString(&c.Blob.Backend, BlobBackendS3)
	setDuration(&c.Blob.S3.PresignTTL, time.Hour)

	setInt(&c.Worker.Concurrency, 4)
	setInt(&c.Worker.MaxMessages, 10)
	setDuration(&c.Worker.WaitTime, 20*time.Second)
	setDuration(&c.Worker.JobTimeout, 5*time.Minute)
	setDuration(&c.Worker.DrainTimeout, 30*time.Second)
	setDuration(&c.Worker.PollErrorBackoff, 5*time.Second)
	setString(&c.Worker.TransformFailurePolicy, "retry")

	setString(&c.Transform.Operation, "upscaled")
	setString(&c.Transform.ContentType, "image/png")
	setInt(&c.Transform.DefaultScaleFactor, 2)
	setInt(&c.Transform.MaxScaleFactor, 8)
	setString(&c.Transform.Filter, "lanczos")
	setInt(&c.Transform.MaxSourcePixels, 16*1024*1024)
	setInt(&c.Transform.MaxOutputPixels, 64*1024*1024)
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

// ValidateAPIConfig checks the settings used by the ingress service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateBlob(); err != nil {
		return err
	}

	if c.Transform.DefaultScaleFactor < 1 || c.Transform.DefaultScaleFactor > c.Transform.MaxScaleFactor {
		return fmt.Errorf("transform default_scale_factor must be between 1 and %d", c.Transform.MaxScaleFactor)
	}

	return nil
}

// ValidateWorkerConfig checks the settings used by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateBlob(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MaxMessages <= 0 {
		return fmt.Errorf("worker max_messages must be greater than 0")
	}

	if c.Worker.WaitTime < 0 {
		return fmt.Errorf("worker wait_time must not be negative")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.DrainTimeout <= 0 {
		return fmt.Errorf("worker drain_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval < 0 {
		return fmt.Errorf("worker heartbeat_interval must not be negative")
	}

	if c.Worker.HeartbeatInterval > 0 && c.Worker.HeartbeatInterval >= c.Queue.VisibilityTimeout {
		return fmt.Errorf("worker heartbeat_interval (%s) must be shorter than queue visibility_timeout (%s)",
			c.Worker.HeartbeatInterval, c.Queue.VisibilityTimeout)
	}

	if c.Worker.MaxReceiveCount < 0 {
		return fmt.Errorf("worker max_receive_count must not be negative")
	}

	switch strings.ToLower(c.Worker.TransformFailurePolicy) {
	case "retry", "drop":
	default:
		return fmt.Errorf("worker transform_failure_policy must be retry or drop, got %q", c.Worker.TransformFailurePolicy)
	}

	if c.Transform.MaxScaleFactor < 1 {
		return fmt.Errorf("transform max_scale_factor must be at least 1")
	}

	if c.Transform.DefaultScaleFactor < 1 || c.Transform.DefaultScaleFactor > c.Transform.MaxScaleFactor {
		return fmt.Errorf("transform default_scale_factor must be between 1 and %d", c.Transform.MaxScaleFactor)
	}

	if c.Transform.MaxParallel < 0 {
		return fmt.Errorf("transform max_parallel must not be negative")
	}

	if c.Transform.MaxSourcePixels < 0 || c.Transform.MaxOutputPixels < 0 {
		return fmt.Errorf("transform max_source_pixels and max_output_pixels must not be negative")
	}

	if c.Transform.MaxOutputPixels > 0 && c.Transform.MaxOutputPixels < c.Transform.MaxSourcePixels {
		return fmt.Errorf("transform max_output_pixels must be at least max_source_pixels")
	}

	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case QueueBackendSQS:
		if c.Queue.SQS.QueueURL == "" {
			return fmt.Errorf("queue sqs.queue_url is required")
		}
		if c.AWS.Region == "" {
			return fmt.Errorf("aws region is required for the sqs backend")
		}

	case QueueBackendRabbitMQ:
		r := c.Queue.RabbitMQ
		if r.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if r.Port < MinPort || r.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", r.Port, MinPort, MaxPort)
		}
		if r.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
		if r.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}

	case QueueBackendPostgres:
		db := c.Queue.Postgres.Database
		if db.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if db.Port < MinPort || db.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", db.Port, MinPort, MaxPort)
		}
		if db.Database == "" {
			return fmt.Errorf("database name is required")
		}

	case QueueBackendMemory:

	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}

	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue visibility_timeout must be greater than 0")
	}
	return nil
}

func (c *Config) validateBlob() error {
	switch c.Blob.Backend {
	case BlobBackendS3:
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob s3.bucket is required")
		}
		if c.AWS.Region == "" {
			return fmt.Errorf("aws region is required for the s3 backend")
		}
	case BlobBackendRedis:
		if c.Blob.Redis.URL == "" {
			return fmt.Errorf("blob redis.url is required")
		}
	case BlobBackendMemory:
	default:
		return fmt.Errorf("unknown blob backend %q", c.Blob.Backend)
	}
	return nil
}
