// Copyright 2025 James Ross
package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
)

func TestLocalDispatchPriorityOrdering(t *testing.T) {
	l := NewLocalDispatch(0)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, l.Submit(ctx, "low-1", metastore.PriorityLow, now))
	require.NoError(t, l.Submit(ctx, "high-1", metastore.PriorityHigh, now))
	require.NoError(t, l.Submit(ctx, "medium-1", metastore.PriorityMedium, now))

	claims, err := l.Claim(ctx, "worker-1", 3, time.Minute)
	require.NoError(t, err)
	require.Len(t, claims, 3)
	assert.Equal(t, "high-1", claims[0].JobID)
	assert.Equal(t, "medium-1", claims[1].JobID)
	assert.Equal(t, "low-1", claims[2].JobID)
}

func TestLocalDispatchRespectsAvailableAt(t *testing.T) {
	l := NewLocalDispatch(0)
	ctx := context.Background()

	require.NoError(t, l.Submit(ctx, "future", metastore.PriorityHigh, time.Now().Add(time.Hour)))
	require.NoError(t, l.Submit(ctx, "now", metastore.PriorityLow, time.Now()))

	claims, err := l.Claim(ctx, "worker-1", 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "now", claims[0].JobID)
}

func TestLocalDispatchSubmitRejectsOverCapacity(t *testing.T) {
	l := NewLocalDispatch(1)
	ctx := context.Background()
	require.NoError(t, l.Submit(ctx, "job-1", metastore.PriorityLow, time.Now()))
	err := l.Submit(ctx, "job-2", metastore.PriorityLow, time.Now())
	assert.Error(t, err)
}

func TestLocalDispatchClaimBlocksUntilContextDone(t *testing.T) {
	l := NewLocalDispatch(0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := l.Claim(ctx, "worker-1", 1, time.Minute)
	assert.Error(t, err)
}

func TestLocalDispatchNackResubmitsAfterDelay(t *testing.T) {
	l := NewLocalDispatch(0)
	ctx := context.Background()
	require.NoError(t, l.Submit(ctx, "job-1", metastore.PriorityHigh, time.Now()))

	claims, err := l.Claim(ctx, "worker-1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	require.NoError(t, l.Nack(ctx, claims[0].JobID, claims[0].ClaimToken, 30*time.Millisecond))

	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = l.Claim(shortCtx, "worker-1", 1, time.Minute)
	assert.Error(t, err, "job should not be claimable before its delay elapses")

	time.Sleep(40 * time.Millisecond)
	claims, err = l.Claim(ctx, "worker-1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "job-1", claims[0].JobID)
}

func TestLocalDispatchCloseUnblocksClaim(t *testing.T) {
	l := NewLocalDispatch(0)
	done := make(chan error, 1)
	go func() {
		_, err := l.Claim(context.Background(), "worker-1", 1, time.Minute)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Claim did not unblock after Close")
	}
}
