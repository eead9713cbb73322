// Copyright 2025 James Ross
package uploadstore

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/obs"
)

// QuotaReleaser lets GC credit back the bytes an abandoned session was
// holding against the owner's storage quota. No type in the server
// implements it, and the server runs the sweeper with a nil releaser,
// so no quota is credited back there.
type QuotaReleaser interface {
	ReleaseUploadQuota(ctx context.Context, ownerID string, bytes int64) error
}

// SweepExpired abandons any open session past its expiry, frees its
// directory, and, when releaser is non-nil, decrements the owner's quota.
func (s *Store) SweepExpired(ctx context.Context, releaser QuotaReleaser) (swept int, err error) {
	expired, err := s.meta.ExpiredUploads(ctx)
	if err != nil {
		return 0, err
	}
	for _, u := range expired {
		dir, err := ResolveUnderRoot(s.root, u.ID)
		if err != nil {
			s.log.Warn("gc: refusing to sweep upload with unsafe path", obs.String("upload_id", u.ID), obs.Err(err))
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn("gc: failed removing upload directory", obs.String("upload_id", u.ID), obs.Err(err))
			continue
		}
		if err := s.meta.MarkUploadAbandoned(ctx, u.ID); err != nil {
			s.log.Warn("gc: failed marking upload abandoned", obs.String("upload_id", u.ID), obs.Err(err))
			continue
		}
		if releaser != nil {
			if err := releaser.ReleaseUploadQuota(ctx, u.OwnerID, u.ReceivedBytes); err != nil {
				s.log.Warn("gc: failed releasing quota", obs.String("upload_id", u.ID), obs.Err(err))
			}
		}
		obs.UploadsActive.Dec()
		swept++
	}
	return swept, nil
}

// RunSweeper loops SweepExpired on an interval until ctx is canceled.
func (s *Store) RunSweeper(ctx context.Context, releaser QuotaReleaser, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepExpired(ctx, releaser); err != nil {
				s.log.Warn("upload gc sweep failed", obs.Err(err))
			} else if n > 0 {
				s.log.Info("upload gc swept expired sessions", obs.Int("count", n))
			}
		}
	}
}
