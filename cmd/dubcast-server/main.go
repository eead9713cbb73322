// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/audit"
	"github.com/flyingrobots/dubcast-job-server/internal/config"
	"github.com/flyingrobots/dubcast-job-server/internal/dispatch"
	"github.com/flyingrobots/dubcast-job-server/internal/eventhub"
	"github.com/flyingrobots/dubcast-job-server/internal/httpapi"
	"github.com/flyingrobots/dubcast-job-server/internal/lifecycle"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
	"github.com/flyingrobots/dubcast-job-server/internal/notify"
	"github.com/flyingrobots/dubcast-job-server/internal/objectaccess"
	"github.com/flyingrobots/dubcast-job-server/internal/obs"
	"github.com/flyingrobots/dubcast-job-server/internal/policy"
	"github.com/flyingrobots/dubcast-job-server/internal/scheduler"
	"github.com/flyingrobots/dubcast-job-server/internal/uploadstore"
	"github.com/flyingrobots/dubcast-job-server/internal/worker"
)

var version = "dev"

func main() {
	var configPath string
	var addr string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config.yaml", "path to config file")
	fs.StringVar(&addr, "addr", ":8080", "HTTP listen address")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	if err := run(configPath, addr); err != nil {
		fmt.Fprintln(os.Stderr, "dubcast-server:", err)
		os.Exit(1)
	}
}

func run(configPath, addr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	store, err := metastore.Open(cfg.Paths.StateDir + "/meta.db")
	if err != nil {
		return fmt.Errorf("open metastore: %w", err)
	}

	uploads := uploadstore.New(store, log, cfg.Paths.UploadsDir)

	hub := eventhub.New(cfg.EventHub, log)

	backend, err := buildDispatchBackend(context.Background(), cfg, log, hub)
	if err != nil {
		return fmt.Errorf("build dispatch backend: %w", err)
	}

	sched := scheduler.New(cfg.Scheduler, cfg.Quotas, log, store, backend, cfg.Paths.StateDir)
	sched.SetDepthSource(depthSourceOf(backend))

	notifier := notify.New(cfg.Notify, log)

	auditLog, err := audit.New(cfg.Audit, store)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close() //nolint:errcheck

	access, err := objectaccess.New(store, cfg.Paths.OutputDir)
	if err != nil {
		return fmt.Errorf("build object access gate: %w", err)
	}

	resolver := policy.NewResolver(store, cfg.Web.SessionSecret, "dubcast_session")
	quotas := policy.NewQuotas(store, cfg.Uploads, cfg.Quotas, cfg.Paths.StateDir, cfg.Scheduler.LowDiskMarginMB, log)
	limiter := policy.NewLimiter(policy.DefaultClassLimits(), cfg.RemoteAccess.TrustedProxyCIDRs)
	csrf := policy.NewCSRF(cfg.Web.CSRFSecret)
	remoteGate, err := policy.NewRemoteAccessGate(cfg.RemoteAccess.Mode, cfg.RemoteAccess.AllowedCIDRs, cfg.Web.JWTSecret, "")
	if err != nil {
		return fmt.Errorf("build remote access gate: %w", err)
	}
	qrLogin := policy.NewQRLogin(store)

	stages := worker.DefaultPipeline(cfg.Paths.OutputDir)
	pool := worker.New(cfg.Worker, backend, store, uploads, sched, hub, stages, log)

	deps := httpapi.Deps{
		Cfg:        cfg,
		Store:      store,
		Uploads:    uploads,
		Sched:      sched,
		Hub:        hub,
		Access:     access,
		Resolver:   resolver,
		CSRF:       csrf,
		Quotas:     quotas,
		Limiter:    limiter,
		RemoteGate: remoteGate,
		QRLogin:    qrLogin,
		Audit:      auditLog,
		Notifier:   notifier,
		Log:        log,
	}
	srv := httpapi.New(deps, addr)

	mgr := lifecycle.New(log, lifecycle.Options{}, sched, srv, backend, hub, store)

	ctx := context.Background()
	mgr.RunWorkers(ctx, pool, pool.Run)
	if cfg.Retention.SweepInterval > 0 {
		go uploads.RunSweeper(ctx, nil, cfg.Retention.SweepInterval)
	}

	go func() {
		log.Info("http server listening", obs.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil {
			log.Info("http server stopped", obs.Err(err))
		}
	}()

	return mgr.Run(ctx)
}

// buildDispatchBackend selects the dispatch.Backend per cfg.Dispatch.Backend,
// mirroring the DispatchBackend module's auto/local/redis selection.
func buildDispatchBackend(ctx context.Context, cfg *config.Config, log *zap.Logger, hub *eventhub.Hub) (dispatch.Backend, error) {
	local := dispatch.NewLocalDispatch(cfg.Dispatch.LocalQueueCapacity)

	switch cfg.Dispatch.Backend {
	case "local":
		return local, nil
	case "redis":
		remote, err := dispatch.NewRedisDispatch(ctx, redisDispatchConfig(cfg))
		if err != nil {
			return nil, err
		}
		return remote, nil
	default: // "auto"
		var remote dispatch.Backend
		if cfg.Dispatch.RedisURL != "" {
			r, err := dispatch.NewRedisDispatch(ctx, redisDispatchConfig(cfg))
			if err != nil {
				log.Warn("redis dispatch unavailable, falling back to local only", obs.Err(err))
			} else {
				remote = r
			}
		}
		autoCfg := dispatch.AutoConfig{
			BootProbes:        cfg.Dispatch.SelectSuccesses,
			DegradeThreshold:  cfg.Dispatch.DegradeFailures,
			RecoverThreshold:  cfg.Dispatch.RecoverSuccesses,
			RecoverMinElapsed: cfg.Dispatch.RecoverWindow,
			ProbeInterval:     cfg.Dispatch.HealthProbeInterval,
		}
		auto := dispatch.NewAuto(log, autoCfg, local, remote, hub)
		auto.Start(ctx)
		return auto, nil
	}
}

func redisDispatchConfig(cfg *config.Config) dispatch.RedisDispatchConfig {
	return dispatch.RedisDispatchConfig{
		URL:           cfg.Dispatch.RedisURL,
		StreamPrefix:  "dubcast:jobs",
		ConsumerGroup: "dubcast-workers",
		ClaimMinIdle:  cfg.Dispatch.RedisVisibilityTimeout,
		BlockTimeout:  cfg.Dispatch.LeaseTTL,
	}
}

// depthSourceOf adapts a dispatch.Backend into the scheduler's
// DepthSource when the backend exposes queue depths; local and auto
// backends both do.
func depthSourceOf(backend dispatch.Backend) scheduler.DepthSource {
	if ds, ok := backend.(scheduler.DepthSource); ok {
		return ds
	}
	return nil
}
