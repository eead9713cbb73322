// Copyright 2025 James Ross
package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDraining struct{ set atomic.Bool }

func (f *fakeDraining) SetDraining(d bool) { f.set.Store(d) }

type fakeDrainer struct{ called atomic.Bool }

func (f *fakeDrainer) Drain() { f.called.Store(true) }

type fakeHTTP struct{ called atomic.Bool }

func (f *fakeHTTP) Shutdown(ctx context.Context) error {
	f.called.Store(true)
	return nil
}

type fakeCloser struct{ called atomic.Bool }

func (f *fakeCloser) Close() error {
	f.called.Store(true)
	return nil
}

type fakeHub struct{ called atomic.Bool }

func (f *fakeHub) CloseAll() { f.called.Store(true) }

func TestRunExecutesFullShutdownSequenceOnContextCancel(t *testing.T) {
	sched := &fakeDraining{}
	drainer := &fakeDrainer{}
	httpSrv := &fakeHTTP{}
	backend := &fakeCloser{}
	hub := &fakeHub{}
	store := &fakeCloser{}

	m := New(zap.NewNop(), Options{ShutdownGrace: time.Second}, sched, httpSrv, backend, hub, store)

	ctx, cancel := context.WithCancel(context.Background())
	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()

	m.RunWorkers(workCtx, drainer, func(ctx context.Context) {
		<-ctx.Done()
	})

	cancel()
	err := m.Run(ctx)
	require.NoError(t, err)

	assert.True(t, sched.set.Load())
	assert.True(t, httpSrv.called.Load())
	assert.True(t, drainer.called.Load())
	assert.True(t, backend.called.Load())
	assert.True(t, hub.called.Load())
	assert.True(t, store.called.Load())
}

func TestRunProceedsWithoutOptionalComponents(t *testing.T) {
	m := New(zap.NewNop(), Options{}, nil, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Run(ctx))
}

func TestRunTimesOutIfWorkerNeverDrains(t *testing.T) {
	sched := &fakeDraining{}
	drainer := &fakeDrainer{}
	store := &fakeCloser{}

	m := New(zap.NewNop(), Options{ShutdownGrace: 50 * time.Millisecond}, sched, nil, nil, nil, store)

	ctx, cancel := context.WithCancel(context.Background())
	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()

	blocked := make(chan struct{})
	m.RunWorkers(workCtx, drainer, func(ctx context.Context) {
		<-blocked // never closes; simulates a worker that ignores Drain
	})

	cancel()
	start := time.Now()
	err := m.Run(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, store.called.Load())
}
