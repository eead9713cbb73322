// Copyright 2025 James Ross
package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
)

func newTestRedisDispatch(t *testing.T) *RedisDispatch {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	r, err := NewRedisDispatch(context.Background(), RedisDispatchConfig{
		URL:           "redis://" + mr.Addr(),
		StreamPrefix:  "dispatch:test",
		ConsumerGroup: "workers",
		ClaimMinIdle:  time.Second,
		BlockTimeout:  50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRedisDispatchSubmitClaimAck(t *testing.T) {
	r := newTestRedisDispatch(t)
	ctx := context.Background()

	require.NoError(t, r.Submit(ctx, "job-1", metastore.PriorityHigh, time.Now()))

	claims, err := r.Claim(ctx, "worker-1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "job-1", claims[0].JobID)

	require.NoError(t, r.Ack(ctx, claims[0].JobID, claims[0].ClaimToken))
}

func TestRedisDispatchPriorityOrdering(t *testing.T) {
	r := newTestRedisDispatch(t)
	ctx := context.Background()

	require.NoError(t, r.Submit(ctx, "low-1", metastore.PriorityLow, time.Now()))
	require.NoError(t, r.Submit(ctx, "high-1", metastore.PriorityHigh, time.Now()))

	claims, err := r.Claim(ctx, "worker-1", 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.Equal(t, "high-1", claims[0].JobID)
	assert.Equal(t, "low-1", claims[1].JobID)
}

func TestRedisDispatchNackResubmits(t *testing.T) {
	r := newTestRedisDispatch(t)
	ctx := context.Background()
	require.NoError(t, r.Submit(ctx, "job-1", metastore.PriorityMedium, time.Now()))

	claims, err := r.Claim(ctx, "worker-1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	require.NoError(t, r.Nack(ctx, claims[0].JobID, claims[0].ClaimToken, 0))

	claims, err = r.Claim(ctx, "worker-2", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "job-1", claims[0].JobID)
}

func TestRedisDispatchHealth(t *testing.T) {
	r := newTestRedisDispatch(t)
	assert.Equal(t, HealthOK, r.Health(context.Background()))
}

func TestRedisDispatchQueueDepths(t *testing.T) {
	r := newTestRedisDispatch(t)
	ctx := context.Background()
	require.NoError(t, r.Submit(ctx, "job-1", metastore.PriorityHigh, time.Now()))
	require.NoError(t, r.Submit(ctx, "job-2", metastore.PriorityHigh, time.Now()))

	depths, err := r.QueueDepths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depths[string(metastore.PriorityHigh)])
}
