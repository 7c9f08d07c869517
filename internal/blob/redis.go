package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisFieldData        = "data"
	redisFieldContentType = "content_type"
)

// RedisStore keeps each object in a hash with data and content_type fields.
// A non-zero TTL expires objects, which doubles as a retention policy.
type RedisStore struct {
	client  redis.Cmdable
	keyBase string
	ttl     time.Duration
	logger  *slog.Logger
}

// NewRedisClient parses a redis:// URL and verifies the connection
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	opts.MaxRetries = 5
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 2 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func NewRedisStore(client redis.Cmdable, keyBase string, ttl time.Duration, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client:  client,
		keyBase: keyBase,
		ttl:     ttl,
		logger:  logger,
	}
}

func (s *RedisStore) key(key string) string {
	if s.keyBase == "" {
		return key
	}
	return s.keyBase + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Object, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}

	data, ok := fields[redisFieldData]
	if !ok {
		return nil, ErrNotFound
	}

	return &Object{
		Data:        []byte(data),
		ContentType: fields[redisFieldContentType],
	}, nil
}

// Stat reads the data length and content type without fetching the data
func (s *RedisStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	fullKey := s.key(key)

	var (
		exists      *redis.BoolCmd
		size        *redis.IntCmd
		contentType *redis.StringCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.HExists(ctx, fullKey, redisFieldData)
		size = pipe.HStrLen(ctx, fullKey, redisFieldData)
		contentType = pipe.HGet(ctx, fullKey, redisFieldContentType)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to stat object %s: %w", key, err)
	}

	if !exists.Val() {
		return nil, ErrNotFound
	}
	return &ObjectInfo{
		Size:        size.Val(),
		ContentType: contentType.Val(),
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	fullKey := s.key(key)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, fullKey, redisFieldData, data, redisFieldContentType, contentType)
		if s.ttl > 0 {
			pipe.Expire(ctx, fullKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}

	s.logger.Debug("Object stored",
		slog.String("key", fullKey),
		slog.Int("size", len(data)),
	)
	return nil
}
