package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/promptbatch/internal/cache"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache + cleanup.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	return rc
}

// --- Ping ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	err := rc.Ping(context.Background())
	assert.NoError(t, err)
}

// --- Set / Get roundtrip ---

func TestSetGet_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "test:key", []byte("hello"), 10*time.Second)
	require.NoError(t, err)

	val, found, err := rc.Get(ctx, "test:key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), val)
}

func TestGet_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	val, found, err := rc.Get(context.Background(), "nonexistent:key")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestSet_TTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "expiry:key", []byte("temp"), 1*time.Second)
	require.NoError(t, err)

	// Immediately should exist
	_, found, err := rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.True(t, found)

	// Wait for TTL to expire
	time.Sleep(1500 * time.Millisecond)

	_, found, err = rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.False(t, found)
}

// --- Delete ---

func TestDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "del:key", []byte("bye"), 10*time.Second))

	err := rc.Delete(ctx, "del:key")
	require.NoError(t, err)

	_, found, err := rc.Get(ctx, "del:key")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete_NonExistent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	err := rc.Delete(context.Background(), "does:not:exist")
	assert.NoError(t, err)
}

// --- Job Progress ---

func TestSetGetJobProgress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	updated := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	want := models.JobProgress{
		JobID:     "01HZX4J6Y2Q8W7C5V3B1N0M9KA",
		Status:    models.JobStatusRunning,
		Progress:  50,
		Processed: 1,
		Total:     2,
		UpdatedAt: updated,
	}
	require.NoError(t, rc.SetJobProgress(ctx, want, 10*time.Second))

	got, found, err := rc.GetJobProgress(ctx, want.JobID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want.Status, got.Status)
	assert.InDelta(t, 50.0, got.Progress, 1e-9)
	assert.Equal(t, 1, got.Processed)
	assert.Equal(t, 2, got.Total)
	assert.True(t, updated.Equal(got.UpdatedAt))

	require.NoError(t, rc.DeleteJobProgress(ctx, want.JobID))
	_, found, err = rc.GetJobProgress(ctx, want.JobID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetJobProgress_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	p, found, err := rc.GetJobProgress(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, p)
}

func TestGetJobProgress_CorruptValue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, cache.JobProgressKey("corrupt"), []byte("{not json"), 10*time.Second))

	_, found, err := rc.GetJobProgress(ctx, "corrupt")
	assert.Error(t, err)
	assert.False(t, found)
}

// --- IncrWithExpiry ---

func TestIncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:test:" + uuid.NewString()[:8]

	for want := int64(1); want <= 3; want++ {
		val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, val)
	}
}

func TestIncrWithExpiry_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:expiry:" + uuid.NewString()[:8]

	_, err := rc.IncrWithExpiry(ctx, key, 1*time.Second)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	// After expiry, should start from 1 again
	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

// --- NoopCache ---

func TestNoopCache(t *testing.T) {
	ctx := context.Background()
	var c cache.Cache = cache.NoopCache{}

	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.SetJobProgress(ctx, models.JobProgress{JobID: "x"}, time.Minute))

	p, found, err := c.GetJobProgress(ctx, "x")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, p)

	n, err := c.IncrWithExpiry(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, c.Close())
}

func TestOpen_NoURLIsNoop(t *testing.T) {
	c, err := cache.Open(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, cache.NoopCache{}, c)
}

func TestOpen_InvalidURL(t *testing.T) {
	_, err := cache.Open(context.Background(), "not-a-redis-url")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create redis cache")
}

// --- Cache Key Builders ---

func TestJobProgressKey(t *testing.T) {
	assert.Equal(t, "job:01HZX4J6Y2Q8W7C5V3B1N0M9KA:progress", cache.JobProgressKey("01HZX4J6Y2Q8W7C5V3B1N0M9KA"))
}

func TestRateLimitKey(t *testing.T) {
	assert.Equal(t, "ratelimit:pb_abcd1:submit:1717243200", cache.RateLimitKey("pb_abcd1", "submit", 1717243200))
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	keys := map[string]bool{
		cache.JobProgressKey("abc"):              true,
		cache.RateLimitKey("abc", "api", 60):     true,
		cache.RateLimitKey("abc", "submit", 60):  true,
		cache.RateLimitKey("abc", "submit", 120): true,
	}
	assert.Len(t, keys, 4, "all keys should be unique")
}
