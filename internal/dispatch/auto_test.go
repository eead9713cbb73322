// Copyright 2025 James Ross
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
)

// fakeBackend is a minimal Backend stub whose health result can be
// flipped by the test, used to exercise Auto's hysteresis without a
// real Redis connection.
type fakeBackend struct {
	name    string
	healthy atomic.Bool
	mu      sync.Mutex
	jobs    []string
}

func newFakeBackend(name string, healthy bool) *fakeBackend {
	f := &fakeBackend{name: name}
	f.healthy.Store(healthy)
	return f
}

func (f *fakeBackend) Submit(ctx context.Context, jobID string, priority metastore.Priority, availableAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, jobID)
	return nil
}
func (f *fakeBackend) Claim(ctx context.Context, consumer string, n int, visibilityTTL time.Duration) ([]Claim, error) {
	return nil, nil
}
func (f *fakeBackend) Ack(ctx context.Context, jobID, claimToken string) error  { return nil }
func (f *fakeBackend) Nack(ctx context.Context, jobID, claimToken string, delay time.Duration) error {
	return nil
}
func (f *fakeBackend) Health(ctx context.Context) HealthStatus {
	if f.healthy.Load() {
		return HealthOK
	}
	return HealthDegraded
}
func (f *fakeBackend) Close() error { return nil }
func (f *fakeBackend) QueueDepths(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{}, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	selected  []string
}

func (p *recordingPublisher) PublishDispatchStatus(selected, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selected = append(p.selected, selected)
}

func (p *recordingPublisher) last() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.selected) == 0 {
		return ""
	}
	return p.selected[len(p.selected)-1]
}

func TestAutoSelectsRedisAfterSuccessfulBootProbes(t *testing.T) {
	local := newFakeBackend("local", true)
	remote := newFakeBackend("remote", true)
	pub := &recordingPublisher{}
	a := NewAuto(zap.NewNop(), AutoConfig{
		BootProbes: 2, BootProbeWindow: time.Second, ProbeInterval: 5 * time.Millisecond,
		DegradeThreshold: 3, RecoverThreshold: 2, RecoverMinElapsed: 10 * time.Millisecond,
	}, local, remote, pub)

	a.Start(context.Background())
	defer a.Close()

	assert.Equal(t, "redis", a.selectedName())
}

func TestAutoFallsBackToLocalWithoutRemote(t *testing.T) {
	local := newFakeBackend("local", true)
	a := NewAuto(zap.NewNop(), AutoConfig{}, local, nil, nil)
	a.Start(context.Background())
	defer a.Close()
	assert.Equal(t, "local", a.selectedName())
}

func TestAutoDegradesAfterConsecutiveFailures(t *testing.T) {
	local := newFakeBackend("local", true)
	remote := newFakeBackend("remote", true)
	pub := &recordingPublisher{}
	a := NewAuto(zap.NewNop(), AutoConfig{
		BootProbes: 1, BootProbeWindow: time.Second, ProbeInterval: 5 * time.Millisecond,
		DegradeThreshold: 2, RecoverThreshold: 2, RecoverMinElapsed: time.Millisecond,
	}, local, remote, pub)
	a.Start(context.Background())
	require.Equal(t, "redis", a.selectedName())

	remote.healthy.Store(false)
	a.probeOnce(context.Background())
	a.probeOnce(context.Background())

	assert.Equal(t, "local", a.selectedName())
	a.Close()
}

func TestAutoRecoversAfterSustainedSuccess(t *testing.T) {
	local := newFakeBackend("local", true)
	remote := newFakeBackend("remote", false)
	a := NewAuto(zap.NewNop(), AutoConfig{
		BootProbes: 1, BootProbeWindow: 5 * time.Millisecond, ProbeInterval: 5 * time.Millisecond,
		DegradeThreshold: 1, RecoverThreshold: 2, RecoverMinElapsed: 5 * time.Millisecond,
	}, local, remote, nil)
	a.Start(context.Background())
	require.Equal(t, "local", a.selectedName())

	remote.healthy.Store(true)
	a.probeOnce(context.Background())
	time.Sleep(10 * time.Millisecond)
	a.probeOnce(context.Background())

	assert.Equal(t, "redis", a.selectedName())
	a.Close()
}
