package redisad_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	redisad "course_reactions/internal/adapters/redis"
	"course_reactions/internal/domain"
)

func newCache(t *testing.T) (*redisad.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redisad.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestCache_SnapshotRoundTripAndExpiry(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	snap := domain.Snapshot{
		Reviews:   []domain.Review{{ID: 7, Likes: 12, Dislikes: 1}},
		FetchedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Seq:       3,
	}
	require.NoError(t, c.Set(ctx, "reviews:snapshot:all", snap, 60))

	var got domain.Snapshot
	hit, err := c.Get(ctx, "reviews:snapshot:all", &got)
	require.NoError(t, err)
	require.True(t, hit)
	require.Len(t, got.Reviews, 1)
	require.Equal(t, 12, got.Reviews[0].Likes)

	mr.FastForward(61 * time.Second)
	hit, err = c.Get(ctx, "reviews:snapshot:all", &got)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestCache_MissAndDelete(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	var v map[string]any
	hit, err := c.Get(ctx, "nope", &v)
	require.NoError(t, err)
	require.False(t, hit)

	require.NoError(t, c.Set(ctx, "k", map[string]int{"a": 1}, 10))
	require.NoError(t, c.Del(ctx, "k"))
	hit, err = c.Get(ctx, "k", &v)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestCache_CorruptEntry(t *testing.T) {
	c, mr := newCache(t)
	require.NoError(t, mr.Set("bad", "{not json"))

	var v domain.Snapshot
	hit, err := c.Get(context.Background(), "bad", &v)
	require.ErrorIs(t, err, domain.ErrCorruptEntry)
	require.False(t, hit)

	require.NoError(t, c.Del(context.Background(), "bad"))
	require.False(t, mr.Exists("bad"))
}

func TestCache_ServerDown(t *testing.T) {
	c, mr := newCache(t)
	mr.Close()

	var v domain.Snapshot
	_, err := c.Get(context.Background(), "k", &v)
	require.Error(t, err)
}
