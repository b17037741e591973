package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/cadence/internal/logger"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client, NewRedis(client, logger.NewNullLogger(), "test:sessions", time.Minute)
}

func record(id string) *Record {
	return &Record{
		ID:        id,
		Node:      "node-a",
		Resource:  "udp://239.1.1.1:5000",
		Status:    StatusStarting,
		Width:     1920,
		Height:    1080,
		OutputFPS: 25,
	}
}

func TestRedis_RegisterAndGet(t *testing.T) {
	mr, _, reg := setupRedis(t)
	ctx := context.Background()

	rec := record("cam-1")
	require.NoError(t, reg.Register(ctx, rec))
	assert.True(t, mr.Exists("test:sessions:cam-1"))
	assert.Equal(t, time.Minute, mr.TTL("test:sessions:cam-1"))

	members, err := mr.SMembers("test:sessions:active")
	require.NoError(t, err)
	assert.Equal(t, []string{"cam-1"}, members)

	got, err := reg.Get(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", got.Node)
	assert.Equal(t, 1920, got.Width)
	assert.Equal(t, StatusStarting, got.Status)

	_, err = reg.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedis_ReregisterKeepsCreatedAt(t *testing.T) {
	_, _, reg := setupRedis(t)
	ctx := context.Background()

	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	reg.now = func() time.Time { return first }
	require.NoError(t, reg.Register(ctx, record("cam-1")))

	later := first.Add(time.Hour)
	reg.now = func() time.Time { return later }
	rec := record("cam-1")
	require.NoError(t, reg.Register(ctx, rec))
	assert.True(t, rec.CreatedAt.Equal(first))

	got, err := reg.Get(ctx, "cam-1")
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(first))
	assert.True(t, got.LastHeartbeat.Equal(later))
}

func TestRedis_Update(t *testing.T) {
	_, _, reg := setupRedis(t)
	ctx := context.Background()

	err := reg.Update(ctx, record("ghost"))
	assert.ErrorIs(t, err, ErrNotFound, "update must not create records")

	rec := record("cam-1")
	require.NoError(t, reg.Register(ctx, rec))
	rec.Status = StatusWorking
	rec.InputFPS = 29.97
	rec.Restarts = 3
	require.NoError(t, reg.Update(ctx, rec))

	got, err := reg.Get(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, got.Status)
	assert.InDelta(t, 29.97, got.InputFPS, 1e-9)
	assert.Equal(t, int64(3), got.Restarts)
}

func TestRedis_Heartbeat(t *testing.T) {
	mr, _, reg := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, record("cam-1")))
	mr.FastForward(50 * time.Second)

	beat := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	reg.now = func() time.Time { return beat }
	require.NoError(t, reg.Heartbeat(ctx, "cam-1"))
	assert.Equal(t, time.Minute, mr.TTL("test:sessions:cam-1"))

	got, err := reg.Get(ctx, "cam-1")
	require.NoError(t, err)
	assert.True(t, got.LastHeartbeat.Equal(beat))
	assert.Equal(t, 1080, got.Height, "other fields survive the in-place edit")

	assert.ErrorIs(t, reg.Heartbeat(ctx, "missing"), ErrNotFound)
}

func TestRedis_ListPrunesExpired(t *testing.T) {
	mr, _, reg := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, record("b")))
	require.NoError(t, reg.Register(ctx, record("a")))
	mr.Del("test:sessions:b")

	recs, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ID)

	members, err := mr.SMembers("test:sessions:active")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)
}

func TestRedis_ListEmpty(t *testing.T) {
	_, _, reg := setupRedis(t)
	recs, err := reg.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRedis_Unregister(t *testing.T) {
	mr, _, reg := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, record("cam-1")))
	require.NoError(t, reg.Unregister(ctx, "cam-1"))
	assert.False(t, mr.Exists("test:sessions:cam-1"))
	assert.ErrorIs(t, reg.Unregister(ctx, "cam-1"), ErrNotFound)
}

func TestRedis_ConnectionError(t *testing.T) {
	mr, _, reg := setupRedis(t)
	mr.Close()

	err := reg.Register(context.Background(), record("cam-1"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
