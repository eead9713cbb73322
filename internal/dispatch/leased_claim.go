// Copyright 2025 James Ross
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/obs"
)

// LeaseStore is the subset of metastore.Store that claim leasing needs.
type LeaseStore interface {
	AcquireLease(ctx context.Context, jobID, consumer string, ttl time.Duration) (bool, error)
}

// ClaimWithLease calls Backend.Claim and then, for every returned
// claim, attempts to acquire the corresponding DispatchLease row.
// A claim whose lease is already held by another consumer is
// immediately acked and dropped rather than handed to the caller —
// this is what makes at-most-once execution hold regardless of which
// backend (or how many racing consumers) produced the claim.
func ClaimWithLease(ctx context.Context, backend Backend, leases LeaseStore, log *zap.Logger, consumer string, n int, visibilityTTL time.Duration) ([]Claim, error) {
	raw, err := backend.Claim(ctx, consumer, n, visibilityTTL)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	leased := make([]Claim, 0, len(raw))
	for _, c := range raw {
		ok, err := leases.AcquireLease(ctx, c.JobID, consumer, visibilityTTL)
		if err != nil {
			log.Warn("claim lease check failed, dropping claim", obs.String("job_id", c.JobID), obs.Err(err))
			_ = backend.Nack(ctx, c.JobID, c.ClaimToken, 0)
			continue
		}
		if !ok {
			log.Info("claim already leased by another consumer, skipping", obs.String("job_id", c.JobID))
			_ = backend.Ack(ctx, c.JobID, c.ClaimToken)
			continue
		}
		leased = append(leased, c)
	}
	return leased, nil
}
