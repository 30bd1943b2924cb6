package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAdapter(t *testing.T, prefix string) (*miniredis.Miniredis, RedisAdapter) {
	mr := miniredis.RunT(t)
	c := goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: []string{mr.Addr()}})
	t.Cleanup(func() { _ = c.Close() })
	return mr, NewFromClient(c, prefix)
}

func TestRedisAdapter_Prefix(t *testing.T) {
	mr, r := setupAdapter(t, "otp:")
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("otp:k"))

	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, NilError)
}

func TestRedisAdapter_SetNX(t *testing.T) {
	_, r := setupAdapter(t, "")
	ctx := context.Background()

	ok, err := r.SetNX(ctx, "lease", []byte("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.SetNX(ctx, "lease", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisAdapter_DelIfEquals(t *testing.T) {
	mr, r := setupAdapter(t, "")
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "lease", []byte("owner-1"), time.Minute))

	deleted, err := r.DelIfEquals(ctx, "lease", []byte("owner-2"))
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.True(t, mr.Exists("lease"))

	deleted, err = r.DelIfEquals(ctx, "lease", []byte("owner-1"))
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, mr.Exists("lease"))
}

func TestRedisAdapter_Streams(t *testing.T) {
	_, r := setupAdapter(t, "")
	ctx := context.Background()

	require.NoError(t, r.XGroupCreateMkStream(ctx, "s", "g", "0"))

	empty, err := r.XReadGroup(ctx, "g", "c1", "s", ">", 10)
	if err != nil {
		assert.ErrorIs(t, err, NilError)
	}
	assert.Empty(t, empty)

	id, err := r.XAdd(ctx, "s", map[string]interface{}{"data": "x"})
	require.NoError(t, err)

	msgs, err := r.XReadGroup(ctx, "g", "c1", "s", ">", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, "x", msgs[0].Values["data"])

	pending, err := r.XPending(ctx, "s", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	require.NoError(t, r.XAck(ctx, "s", "g", id))
	pending, err = r.XPending(ctx, "s", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	n, err := r.XLen(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
