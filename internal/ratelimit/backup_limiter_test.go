package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/tenantvault/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	cfg := config.Config{}
	client := NewRedisClient(cfg, zap.NewNop())
	assert.Nil(t, client)

	limiter := NewBackupLimiter(cfg, client)
	assert.False(t, limiter.Enabled())

	lease, ok, err := limiter.AcquireInFlight(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, lease)
	assert.NoError(t, limiter.RefreshInFlight(context.Background(), lease))
	assert.NoError(t, lease.Release(context.Background()))

	res, err := limiter.AllowDownload(context.Background(), 99)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestNilLockerAndLease(t *testing.T) {
	var locker *Locker
	_, err := locker.Acquire(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrLockerDisabled)

	var lease *Lease
	held, err := lease.Extend(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, held)
	assert.Empty(t, lease.Key())
}

func TestInFlightKey(t *testing.T) {
	assert.Equal(t, "backup:inflight:12:34", InFlightKey(12, 34))
}

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, 30*time.Second, bucketTTL(0.2, 3))
	assert.Equal(t, time.Second, bucketTTL(100, 1))
	assert.Equal(t, time.Second, bucketTTL(0, 0))
}

func TestDecide(t *testing.T) {
	d, err := decide([]interface{}{int64(1), "2.5", int64(1_000)}, 0.5, 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
	assert.Zero(t, d.RetryAfter)

	d, err = decide([]interface{}{int64(0), "0.5", int64(1_000)}, 0.5, 3)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)
	assert.Equal(t, time.UnixMilli(2_000), d.ResetTime)

	_, err = decide([]interface{}{int64(1)}, 1, 1)
	assert.ErrorIs(t, err, errBucketReply)
}

func TestCasts(t *testing.T) {
	assert.Equal(t, int64(1), asInt(int64(1)))
	assert.Equal(t, int64(7), asInt("7"))
	assert.Equal(t, 2.5, asFloat("2.5"))
	assert.Equal(t, float64(0), asFloat("nope"))
}
