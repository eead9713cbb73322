// Copyright 2025 James Ross
// Package lifecycle owns process-wide startup ordering and the
// graceful-shutdown sequence, mirroring the signal-handling shape the
// rest of this codebase's ancestry uses for its own long-running
// daemons: a double-signal channel and a bounded grace period. If
// in-flight work overruns the grace period, shutdown goes on closing
// the remaining resources; only a second signal exits immediately.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/obs"
)

// Draining stops new submissions without disturbing jobs already
// admitted; Scheduler and worker.Pool both implement this shape.
type Draining interface {
	SetDraining(bool)
}

// Drainer finishes in-flight work and stops claiming new work once
// told to drain; worker.Pool implements this.
type Drainer interface {
	Drain()
}

// Closer is anything that must release resources on shutdown, in the
// order the Manager is configured with.
type Closer interface {
	Close() error
}

// HTTPShutdowner is the subset of *http.Server shutdown needs.
type HTTPShutdowner interface {
	Shutdown(ctx context.Context) error
}

// EventHub is the subset of eventhub.Hub shutdown needs: every
// subscriber gets a terminal disconnect event before the process exits.
type EventHub interface {
	CloseAll()
}

// Options configures the shutdown sequence's timing.
type Options struct {
	// ShutdownGrace bounds how long shutdown waits for in-flight
	// workers to finish their current stage before giving up and
	// closing the remaining resources anyway.
	ShutdownGrace time.Duration
	// ForceExitGrace is defaulted by the constructor but not read by the
	// shutdown path: a second SIGINT/SIGTERM forces os.Exit(1) whenever
	// it arrives, with no time bound.
	ForceExitGrace time.Duration
}

// Manager orchestrates startup and the seven-step shutdown sequence:
// stop admitting, let in-flight HTTP requests see 503s, close the
// listener, stop the scheduler and workers, close the dispatch
// backend, close the event hub, and finally flush/close MetaStore.
type Manager struct {
	log     *zap.Logger
	opts    Options
	sched   Draining
	workers *workerRunner
	http    HTTPShutdowner
	backend Closer
	hub     EventHub
	store   Closer
}

// workerRunner couples a worker.Pool's blocking Run with its Drain, so
// Manager can wait on it without importing the worker package.
type workerRunner struct {
	drain Drainer
	run   func(ctx context.Context)
	done  chan struct{}
}

func New(log *zap.Logger, opts Options, sched Draining, httpSrv HTTPShutdowner, backend Closer, hub EventHub, store Closer) *Manager {
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}
	if opts.ForceExitGrace <= 0 {
		opts.ForceExitGrace = 5 * time.Second
	}
	return &Manager{log: log, opts: opts, sched: sched, http: httpSrv, backend: backend, hub: hub, store: store}
}

// RunWorkers starts pool.Run in the background and registers its
// Drain method so shutdown can wait for it to finish cleanly; call
// this once per worker.Pool before Run.
func (m *Manager) RunWorkers(ctx context.Context, drain Drainer, run func(ctx context.Context)) {
	wr := &workerRunner{drain: drain, run: run, done: make(chan struct{})}
	m.workers = wr
	go func() {
		defer close(wr.done)
		run(ctx)
	}()
}

// Run blocks until ctx is canceled or a SIGINT/SIGTERM arrives, then
// executes the graceful shutdown sequence. A second signal during
// shutdown forces an immediate os.Exit(1).
func (m *Manager) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		m.log.Info("context canceled, starting graceful shutdown")
	case sig := <-sigCh:
		m.log.Info("signal received, starting graceful shutdown", obs.String("signal", sig.String()))
	}

	return m.shutdown(sigCh)
}

func (m *Manager) shutdown(sigCh chan os.Signal) error {
	// Step 1: stop admitting new submissions. Handlers still running
	// see this immediately via Scheduler.IsDraining and start
	// returning 503+Retry-After on their own.
	if m.sched != nil {
		m.sched.SetDraining(true)
	}

	grace, cancel := context.WithTimeout(context.Background(), m.opts.ShutdownGrace)
	defer cancel()

	// Step 2/3: close the HTTP listener to new connections, letting
	// in-flight requests finish within the grace window.
	if m.http != nil {
		if err := m.http.Shutdown(grace); err != nil {
			m.log.Warn("http server did not shut down cleanly", obs.Err(err))
		}
	}

	// Step 4: tell worker pools to stop claiming new work; already
	// claimed jobs keep running uninterrupted so they can checkpoint
	// and release their lease normally.
	if m.workers != nil && m.workers.drain != nil {
		m.workers.drain.Drain()
	}

	if m.workers != nil {
		select {
		case <-m.workers.done:
			m.log.Info("worker pool drained cleanly")
		case <-grace.Done():
			m.log.Warn("shutdown grace period elapsed before workers finished draining")
		case sig := <-sigCh:
			m.log.Warn("second signal received during shutdown, exiting immediately", obs.String("signal", sig.String()))
			os.Exit(1)
		}
	}

	// Step 5: close the dispatch backend (Redis connection pool or
	// the local in-memory queue's internal bookkeeping).
	if m.backend != nil {
		if err := m.backend.Close(); err != nil {
			m.log.Warn("dispatch backend close error", obs.Err(err))
		}
	}

	// Step 6: disconnect every SSE/WS subscriber with a terminal event
	// before MetaStore goes away underneath them.
	if m.hub != nil {
		m.hub.CloseAll()
	}

	// Step 7: flush and close MetaStore last, under its own writer
	// lock, once nothing else can still be writing through it.
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return err
		}
	}

	m.log.Info("shutdown complete")
	return nil
}
