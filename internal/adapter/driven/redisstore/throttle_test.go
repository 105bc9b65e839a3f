package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *Throttle) {
	t.Helper()

	s := miniredis.RunT(t)
	client, err := Open(context.Background(), "redis://"+s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return s, NewThrottle(client, 30*time.Second)
}

func TestThrottle_AllowsOncePerInterval(t *testing.T) {
	s, throttle := setupRedis(t)
	ctx := context.Background()

	ok, err := throttle.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = throttle.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok, "second refresh inside the interval is refused")

	ok, err = throttle.Allow(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, ok, "slots are per credential")

	s.FastForward(31 * time.Second)

	ok, err = throttle.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestThrottle_ZeroIntervalAlwaysAllows(t *testing.T) {
	_, throttle := setupRedis(t)
	throttle.interval = 0

	for range 3 {
		ok, err := throttle.Allow(context.Background(), "u1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestThrottle_ServerDown(t *testing.T) {
	s, throttle := setupRedis(t)
	s.Close()

	_, err := throttle.Allow(context.Background(), "u1")
	assert.Error(t, err)
}

func TestOpen_BadURL(t *testing.T) {
	_, err := Open(context.Background(), "not-a-url")
	assert.Error(t, err)
}
