// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DepthSource reports pending queue depth by priority. DispatchBackend
// implementations satisfy this without obs importing the dispatch
// package, keeping the dependency pointed the right way.
type DepthSource interface {
	QueueDepths(ctx context.Context) (map[string]int64, error)
}

// SampleQueueDepth polls a DepthSource on an interval and republishes the
// result as the SchedulerQueueDepth gauge vector, until ctx is canceled.
func SampleQueueDepth(ctx context.Context, log *zap.Logger, src DepthSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depths, err := src.QueueDepths(ctx)
			if err != nil {
				log.Warn("queue depth sample failed", Err(err))
				continue
			}
			for priority, depth := range depths {
				SchedulerQueueDepth.WithLabelValues(priority).Set(float64(depth))
			}
		}
	}
}
