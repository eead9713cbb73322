// Copyright 2025 James Ross
package httpapi

import "context"

// uploadQuotaAdapter satisfies uploadstore.QuotaChecker by counting the
// caller's in-flight open uploads and delegating the byte/storage/
// inflight checks to the policy engine's single CheckUploadInit gate.
type uploadQuotaAdapter struct {
	deps Deps
}

func (a uploadQuotaAdapter) CheckUploadQuota(ctx context.Context, ownerID string, totalBytes int64) error {
	inflight, err := a.deps.Store.CountOpenUploadsByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	return a.deps.Quotas.CheckUploadInit(ctx, ownerID, totalBytes, inflight)
}
