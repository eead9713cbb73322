// Copyright 2025 James Ross
package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLeaseStore struct {
	held map[string]bool
}

func (f *fakeLeaseStore) AcquireLease(ctx context.Context, jobID, consumer string, ttl time.Duration) (bool, error) {
	if f.held[jobID] {
		return false, nil
	}
	return true, nil
}

func TestClaimWithLeaseDropsAlreadyLeasedJobs(t *testing.T) {
	l := NewLocalDispatch(0)
	ctx := context.Background()
	require.NoError(t, l.Submit(ctx, "job-1", "high", time.Now()))
	require.NoError(t, l.Submit(ctx, "job-2", "high", time.Now()))

	leases := &fakeLeaseStore{held: map[string]bool{"job-1": true}}
	claims, err := ClaimWithLease(ctx, l, leases, zap.NewNop(), "worker-1", 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "job-2", claims[0].JobID)
}
