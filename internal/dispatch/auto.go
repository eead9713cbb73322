// Copyright 2025 James Ross
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
	"github.com/flyingrobots/dubcast-job-server/internal/obs"
)

// AutoConfig holds the boot/degrade/recover hysteresis parameters.
type AutoConfig struct {
	BootProbes        int           // N: consecutive successful boot probes required to select Redis
	BootProbeWindow   time.Duration // window within which the N probes must land
	DegradeThreshold  int           // K: consecutive mid-run failures before degrading to Local
	RecoverThreshold  int           // M: consecutive successes required to recover
	RecoverMinElapsed time.Duration // T: minimum span the M successes must cover
	ProbeInterval     time.Duration
}

// StatusPublisher receives audited backend selection transitions;
// satisfied by the event hub.
type StatusPublisher interface {
	PublishDispatchStatus(selected string, reason string)
}

// Auto selects between a durable Redis-backed dispatcher and the local
// in-memory one, applying hysteresis so a flapping Redis doesn't
// thrash the selection on every probe.
type Auto struct {
	log    *zap.Logger
	cfg    AutoConfig
	local  Backend
	remote Backend // nil if no Redis URL configured
	pub    StatusPublisher

	mu               sync.RWMutex
	usingRemote      bool
	consecutiveFail  int
	consecutiveOK    int
	recoverSince     time.Time
	stopCh           chan struct{}
	stopped          bool
}

func NewAuto(log *zap.Logger, cfg AutoConfig, local Backend, remote Backend, pub StatusPublisher) *Auto {
	a := &Auto{log: log, cfg: cfg, local: local, remote: remote, pub: pub, stopCh: make(chan struct{})}
	return a
}

// Start runs the boot probe sequence (if a remote backend is
// configured) and then the background health-probe loop.
func (a *Auto) Start(ctx context.Context) {
	if a.remote == nil {
		a.setUsingRemote(false, "no redis backend configured")
		return
	}
	a.runBootProbes(ctx)
	go a.probeLoop(ctx)
}

func (a *Auto) runBootProbes(ctx context.Context) {
	deadline := time.Now().Add(a.cfg.BootProbeWindow)
	successes := 0
	for time.Now().Before(deadline) && successes < a.cfg.BootProbes {
		if a.remote.Health(ctx) == HealthOK {
			successes++
		} else {
			successes = 0
		}
		if successes >= a.cfg.BootProbes {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.ProbeInterval):
		}
	}
	if successes >= a.cfg.BootProbes {
		a.setUsingRemote(true, "boot health probes succeeded")
	} else {
		a.setUsingRemote(false, "boot health probes did not succeed within window")
	}
}

func (a *Auto) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.probeOnce(ctx)
		}
	}
}

func (a *Auto) probeOnce(ctx context.Context) {
	healthy := a.remote.Health(ctx) == HealthOK

	// audit reads the selection under a.mu, so it runs after the unlock.
	reason := ""
	a.mu.Lock()
	if healthy {
		a.consecutiveFail = 0
		if a.consecutiveOK == 0 {
			a.recoverSince = time.Now()
		}
		a.consecutiveOK++
		if !a.usingRemote && a.consecutiveOK >= a.cfg.RecoverThreshold && time.Since(a.recoverSince) >= a.cfg.RecoverMinElapsed {
			a.usingRemote = true
			reason = "redis recovered: consecutive successes and elapsed window satisfied"
		}
	} else {
		a.consecutiveOK = 0
		a.consecutiveFail++
		if a.usingRemote && a.consecutiveFail >= a.cfg.DegradeThreshold {
			a.usingRemote = false
			reason = "redis degraded: consecutive probe failures exceeded threshold"
		}
	}
	a.mu.Unlock()
	if reason != "" {
		a.audit(reason)
	}
}

func (a *Auto) setUsingRemote(v bool, reason string) {
	a.mu.Lock()
	a.usingRemote = v
	a.mu.Unlock()
	a.audit(reason)
}

func (a *Auto) audit(reason string) {
	selected := a.selectedName()
	a.log.Info("dispatch backend selection changed", obs.String("selected", selected), obs.String("reason", reason))
	if a.pub != nil {
		a.pub.PublishDispatchStatus(selected, reason)
	}
}

func (a *Auto) selectedName() string {
	if a.current() == a.remote {
		return "redis"
	}
	return "local"
}

func (a *Auto) current() Backend {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.usingRemote && a.remote != nil {
		return a.remote
	}
	return a.local
}

func (a *Auto) Submit(ctx context.Context, jobID string, priority metastore.Priority, availableAt time.Time) error {
	return a.current().Submit(ctx, jobID, priority, availableAt)
}

// Claim always targets the currently selected backend; already
// in-flight claims against the other backend are unaffected, and
// finish against whichever backend originally handed them out since
// callers retain the Backend reference only implicitly via Ack/Nack
// routing below.
func (a *Auto) Claim(ctx context.Context, consumer string, n int, visibilityTTL time.Duration) ([]Claim, error) {
	return a.current().Claim(ctx, consumer, n, visibilityTTL)
}

func (a *Auto) Ack(ctx context.Context, jobID, claimToken string) error {
	return a.backendForToken(claimToken).Ack(ctx, jobID, claimToken)
}

func (a *Auto) Nack(ctx context.Context, jobID, claimToken string, delay time.Duration) error {
	return a.backendForToken(claimToken).Nack(ctx, jobID, claimToken, delay)
}

// backendForToken routes Ack/Nack to whichever backend minted the
// token: Redis tokens are "<stream>|<message id>", local tokens are
// bare hex strings with no separator.
func (a *Auto) backendForToken(token string) Backend {
	if a.remote != nil {
		if _, _, err := decodeClaimToken(token); err == nil {
			return a.remote
		}
	}
	return a.local
}

func (a *Auto) Health(ctx context.Context) HealthStatus {
	return a.current().Health(ctx)
}

func (a *Auto) Close() error {
	a.mu.Lock()
	if !a.stopped {
		close(a.stopCh)
		a.stopped = true
	}
	a.mu.Unlock()
	if err := a.local.Close(); err != nil {
		return err
	}
	if a.remote != nil {
		return a.remote.Close()
	}
	return nil
}

func (a *Auto) QueueDepths(ctx context.Context) (map[string]int64, error) {
	return a.current().(QueueDepths).QueueDepths(ctx)
}
