//go:build integration

package blob

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) string {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func TestRedisStore_PutGet(t *testing.T) {
	ctx := context.Background()
	client, err := NewRedisClient(ctx, setupRedis(t))
	require.NoError(t, err)
	defer client.Close()

	store := NewRedisStore(client, "blobs", 0, discardLogger())

	_, err = store.Get(ctx, "abc123-original")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "abc123-original", []byte{0x89, 'P', 'N', 'G'}, "image/png"))

	obj, err := store.Get(ctx, "abc123-original")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, obj.Data)
	assert.Equal(t, "image/png", obj.ContentType)

	n, err := client.Exists(ctx, "blobs:abc123-original").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	client, err := NewRedisClient(ctx, setupRedis(t))
	require.NoError(t, err)
	defer client.Close()

	store := NewRedisStore(client, "blobs", time.Hour, discardLogger())
	require.NoError(t, store.Put(ctx, "k", []byte("x"), "image/png"))

	ttl, err := client.TTL(ctx, "blobs:k").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
}

func TestRedisStore_Stat(t *testing.T) {
	ctx := context.Background()
	client, err := NewRedisClient(ctx, setupRedis(t))
	require.NoError(t, err)
	defer client.Close()

	store := NewRedisStore(client, "blobs", 0, discardLogger())

	_, err = store.Stat(ctx, "abc123-upscaled")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "abc123-upscaled", []byte("pixels"), "image/png"))

	info, err := store.Stat(ctx, "abc123-upscaled")
	require.NoError(t, err)
	assert.Equal(t, int64(6), info.Size)
	assert.Equal(t, "image/png", info.ContentType)

	ok, err := Exists(ctx, store, "abc123-upscaled")
	require.NoError(t, err)
	assert.True(t, ok)
}
