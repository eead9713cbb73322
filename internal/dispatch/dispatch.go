// Copyright 2025 James Ross
package dispatch

import (
	"context"
	"time"

	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
)

// Backend abstracts "where job IDs come from next". LocalDispatch and
// RedisDispatch both satisfy it; Auto wraps one of each with health-
// driven selection.
type Backend interface {
	Submit(ctx context.Context, jobID string, priority metastore.Priority, availableAt time.Time) error
	Claim(ctx context.Context, consumer string, n int, visibilityTTL time.Duration) ([]Claim, error)
	Ack(ctx context.Context, jobID string, claimToken string) error
	Nack(ctx context.Context, jobID string, claimToken string, delay time.Duration) error
	Health(ctx context.Context) HealthStatus
	Close() error
}

// Claim is one dispatched job id together with the opaque token needed
// to Ack/Nack it.
type Claim struct {
	JobID      string
	ClaimToken string
}

type HealthStatus int

const (
	HealthOK HealthStatus = iota
	HealthDegraded
)

func (h HealthStatus) String() string {
	if h == HealthOK {
		return "ok"
	}
	return "degraded"
}

// QueueDepths satisfies obs.DepthSource so the scheduler queue-depth
// gauge can be sampled without obs importing this package's concrete
// types.
type QueueDepths interface {
	QueueDepths(ctx context.Context) (map[string]int64, error)
}
