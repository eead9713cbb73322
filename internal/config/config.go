// Copyright 2025 James Ross
// Package config loads and validates server configuration from a YAML
// file with environment-variable overrides, following the same
// viper-based load/validate shape the rest of this codebase's ancestry
// uses for its worker/producer/circuit-breaker settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Paths holds the on-disk layout roots named in the operator contract.
type Paths struct {
	StateDir   string `mapstructure:"state_dir"`
	OutputDir  string `mapstructure:"output_dir"`
	LogDir     string `mapstructure:"log_dir"`
	UploadsDir string `mapstructure:"uploads_dir"`
}

// Uploads configures UploadStore limits and chunking.
type Uploads struct {
	MaxUploadMB        int64         `mapstructure:"max_upload_mb"`
	MaxStorageMBPerUser int64        `mapstructure:"max_storage_mb_per_user"`
	ChunkBytes         int64         `mapstructure:"upload_chunk_bytes"`
	MaxInflightPerUser int           `mapstructure:"max_uploads_inflight_per_user"`
	SessionTTL         time.Duration `mapstructure:"session_ttl"`
}

// Quotas configures PolicyEngine per-user caps.
type Quotas struct {
	MaxConcurrentGlobal      int           `mapstructure:"max_concurrent_global"`
	MaxConcurrentPerUser     int           `mapstructure:"max_concurrent_per_user"`
	DailyJobCap              int           `mapstructure:"daily_job_cap"`
	DailyProcessingMinutes   int           `mapstructure:"daily_processing_minutes"`
	JobsPerDayPerUser        int           `mapstructure:"jobs_per_day_per_user"`
	RateLimitWindow          time.Duration `mapstructure:"rate_limit_window"`
}

// Scheduler configures Scheduler admission, phase caps and backpressure.
type Scheduler struct {
	MaxConcurrentGlobal int               `mapstructure:"max_concurrent_global"`
	PhaseConcurrency    map[string]int    `mapstructure:"phase_concurrency"`
	ModeConcurrency     map[string]int    `mapstructure:"mode_concurrency"`
	BackpressureQMax    int               `mapstructure:"backpressure_q_max"`
	LowDiskMarginMB     int64             `mapstructure:"low_disk_margin_mb"`
	BackoffBase         time.Duration     `mapstructure:"backoff_base"`
	BackoffMax          time.Duration     `mapstructure:"backoff_max"`
	BackoffJitter        time.Duration    `mapstructure:"backoff_jitter"`
}

// Dispatch configures the DispatchBackend selection and Redis stream.
type Dispatch struct {
	Backend                  string        `mapstructure:"backend"` // auto|local|redis
	RedisURL                 string        `mapstructure:"redis_url"`
	RedisVisibilityTimeout   time.Duration `mapstructure:"redis_queue_visibility_timeout"`
	HealthProbeInterval      time.Duration `mapstructure:"health_probe_interval"`
	SelectSuccesses          int           `mapstructure:"select_successes"`
	DegradeFailures          int           `mapstructure:"degrade_failures"`
	RecoverSuccesses         int           `mapstructure:"recover_successes"`
	RecoverWindow            time.Duration `mapstructure:"recover_window"`
	LeaseTTL                 time.Duration `mapstructure:"lease_ttl"`
	LocalQueueCapacity       int           `mapstructure:"local_queue_capacity"`
}

// Worker configures the stage pipeline worker pool.
type Worker struct {
	Count          int                      `mapstructure:"count"`
	MaxRetries     int                      `mapstructure:"max_retries"`
	StageTimeouts  map[string]time.Duration `mapstructure:"stage_timeouts"`
	DefaultTimeout time.Duration            `mapstructure:"default_stage_timeout"`
	HeartbeatTTL   time.Duration            `mapstructure:"heartbeat_ttl"`
}

// RemoteAccess configures the outer access gate (4.6, 6).
type RemoteAccess struct {
	Mode             string   `mapstructure:"mode"` // off|tailscale|cloudflare
	TrustedProxyCIDRs []string `mapstructure:"trusted_proxy_subnets"`
	AllowedCIDRs      []string `mapstructure:"allowed_subnets"`
}

// Web configures cookies, CORS and secrets for the HTTP surface.
type Web struct {
	CORSOrigins    []string `mapstructure:"cors_origins"`
	CookieSecure   bool     `mapstructure:"cookie_secure"`
	CookieSameSite string   `mapstructure:"cookie_samesite"`
	JWTSecret      string   `mapstructure:"jwt_secret"`
	CSRFSecret     string   `mapstructure:"csrf_secret"`
	SessionSecret  string   `mapstructure:"session_secret"`
}

// Retention configures artifact/log retention and the GC sweep cadence.
type Retention struct {
	Policy        string        `mapstructure:"policy"` // full|balanced|minimal
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// EventHub configures the live progress event plane (4.8).
type EventHub struct {
	SubscriberBufferSize   int           `mapstructure:"subscriber_buffer_size"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
	ReplayWindow           time.Duration `mapstructure:"replay_window"`
	ProgressCoalesceWindow time.Duration `mapstructure:"progress_coalesce_window"`
	SubscriberIdleTimeout  time.Duration `mapstructure:"subscriber_idle_timeout"`
}

// Audit configures the rotating audit log sink.
type Audit struct {
	LogPath    string `mapstructure:"log_path"`
	RotateMB   int    `mapstructure:"rotate_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Observability configures metrics port, log level and tracing.
type Observability struct {
	MetricsPort  int     `mapstructure:"metrics_port"`
	LogLevel     string  `mapstructure:"log_level"`
	Tracing      Tracing `mapstructure:"tracing"`
}

type Tracing struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// Notify configures the outbound notification fan-out sinks.
type Notify struct {
	WebhookURL    string `mapstructure:"webhook_url"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	NATSURL       string `mapstructure:"nats_url"`
}

// Config is the top-level, immutable-after-load server configuration.
type Config struct {
	Paths         Paths         `mapstructure:"paths"`
	Uploads       Uploads       `mapstructure:"uploads"`
	Quotas        Quotas        `mapstructure:"quotas"`
	Scheduler     Scheduler     `mapstructure:"scheduler"`
	Dispatch      Dispatch      `mapstructure:"dispatch"`
	Worker        Worker        `mapstructure:"worker"`
	RemoteAccess  RemoteAccess  `mapstructure:"remote_access"`
	Web           Web           `mapstructure:"web"`
	EventHub      EventHub      `mapstructure:"eventhub"`
	Retention     Retention     `mapstructure:"retention"`
	Audit         Audit         `mapstructure:"audit"`
	Observability Observability `mapstructure:"observability"`
	Notify        Notify        `mapstructure:"notify"`
}

func defaultConfig() *Config {
	return &Config{
		Paths: Paths{
			StateDir:   "./state",
			OutputDir:  "./output",
			LogDir:     "./logs",
			UploadsDir: "./uploads",
		},
		Uploads: Uploads{
			MaxUploadMB:         10240,
			MaxStorageMBPerUser: 51200,
			ChunkBytes:          4 << 20,
			MaxInflightPerUser:  3,
			SessionTTL:          24 * time.Hour,
		},
		Quotas: Quotas{
			MaxConcurrentGlobal:    64,
			MaxConcurrentPerUser:   2,
			DailyJobCap:            20,
			DailyProcessingMinutes: 240,
			JobsPerDayPerUser:      20,
			RateLimitWindow:        time.Second,
		},
		Scheduler: Scheduler{
			MaxConcurrentGlobal: 64,
			PhaseConcurrency: map[string]int{
				"asr": 8, "translate": 8, "tts": 4, "mix": 4, "lipsync": 2, "package": 8,
			},
			ModeConcurrency: map[string]int{"high": 32, "medium": 24, "low": 8},
			BackpressureQMax: 500,
			LowDiskMarginMB:  1024,
			BackoffBase:      500 * time.Millisecond,
			BackoffMax:       30 * time.Second,
			BackoffJitter:    250 * time.Millisecond,
		},
		Dispatch: Dispatch{
			Backend:                "auto",
			RedisVisibilityTimeout: 30 * time.Second,
			HealthProbeInterval:    2 * time.Second,
			SelectSuccesses:        3,
			DegradeFailures:        3,
			RecoverSuccesses:       5,
			RecoverWindow:          30 * time.Second,
			LeaseTTL:               60 * time.Second,
			LocalQueueCapacity:     2000,
		},
		Worker: Worker{
			Count:          8,
			MaxRetries:     3,
			DefaultTimeout: 10 * time.Minute,
			StageTimeouts: map[string]time.Duration{
				"asr": 10 * time.Minute, "translate": 5 * time.Minute,
				"tts": 15 * time.Minute, "mix": 10 * time.Minute,
				"lipsync": 20 * time.Minute, "package": 5 * time.Minute,
			},
			HeartbeatTTL: 30 * time.Second,
		},
		RemoteAccess: RemoteAccess{Mode: "off"},
		Web: Web{
			CookieSecure:   true,
			CookieSameSite: "lax",
		},
		EventHub: EventHub{
			SubscriberBufferSize:   256,
			HeartbeatInterval:      15 * time.Second,
			ReplayWindow:           2 * time.Minute,
			ProgressCoalesceWindow: 200 * time.Millisecond,
			SubscriberIdleTimeout:  5 * time.Minute,
		},
		Retention: Retention{Policy: "balanced", SweepInterval: 5 * time.Minute},
		Audit:     Audit{LogPath: "./logs/audit.log", RotateMB: 100, MaxBackups: 10, Compress: true},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     Tracing{Enabled: false, SamplingRate: 0.1},
		},
	}
}

// Load reads configuration from a YAML file (if present) with
// environment-variable overrides, applying the canonical env var names
// from the operator contract on top of the nested viper keys.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)
	bindCanonicalEnv(v)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("paths.state_dir", def.Paths.StateDir)
	v.SetDefault("paths.output_dir", def.Paths.OutputDir)
	v.SetDefault("paths.log_dir", def.Paths.LogDir)
	v.SetDefault("paths.uploads_dir", def.Paths.UploadsDir)

	v.SetDefault("uploads.max_upload_mb", def.Uploads.MaxUploadMB)
	v.SetDefault("uploads.max_storage_mb_per_user", def.Uploads.MaxStorageMBPerUser)
	v.SetDefault("uploads.upload_chunk_bytes", def.Uploads.ChunkBytes)
	v.SetDefault("uploads.max_uploads_inflight_per_user", def.Uploads.MaxInflightPerUser)
	v.SetDefault("uploads.session_ttl", def.Uploads.SessionTTL)

	v.SetDefault("quotas.max_concurrent_global", def.Quotas.MaxConcurrentGlobal)
	v.SetDefault("quotas.max_concurrent_per_user", def.Quotas.MaxConcurrentPerUser)
	v.SetDefault("quotas.daily_job_cap", def.Quotas.DailyJobCap)
	v.SetDefault("quotas.daily_processing_minutes", def.Quotas.DailyProcessingMinutes)
	v.SetDefault("quotas.jobs_per_day_per_user", def.Quotas.JobsPerDayPerUser)
	v.SetDefault("quotas.rate_limit_window", def.Quotas.RateLimitWindow)

	v.SetDefault("scheduler.max_concurrent_global", def.Scheduler.MaxConcurrentGlobal)
	v.SetDefault("scheduler.phase_concurrency", def.Scheduler.PhaseConcurrency)
	v.SetDefault("scheduler.mode_concurrency", def.Scheduler.ModeConcurrency)
	v.SetDefault("scheduler.backpressure_q_max", def.Scheduler.BackpressureQMax)
	v.SetDefault("scheduler.low_disk_margin_mb", def.Scheduler.LowDiskMarginMB)
	v.SetDefault("scheduler.backoff_base", def.Scheduler.BackoffBase)
	v.SetDefault("scheduler.backoff_max", def.Scheduler.BackoffMax)
	v.SetDefault("scheduler.backoff_jitter", def.Scheduler.BackoffJitter)

	v.SetDefault("dispatch.backend", def.Dispatch.Backend)
	v.SetDefault("dispatch.redis_queue_visibility_timeout", def.Dispatch.RedisVisibilityTimeout)
	v.SetDefault("dispatch.health_probe_interval", def.Dispatch.HealthProbeInterval)
	v.SetDefault("dispatch.select_successes", def.Dispatch.SelectSuccesses)
	v.SetDefault("dispatch.degrade_failures", def.Dispatch.DegradeFailures)
	v.SetDefault("dispatch.recover_successes", def.Dispatch.RecoverSuccesses)
	v.SetDefault("dispatch.recover_window", def.Dispatch.RecoverWindow)
	v.SetDefault("dispatch.lease_ttl", def.Dispatch.LeaseTTL)
	v.SetDefault("dispatch.local_queue_capacity", def.Dispatch.LocalQueueCapacity)

	v.SetDefault("worker.count", def.Worker.Count)
	v.SetDefault("worker.max_retries", def.Worker.MaxRetries)
	v.SetDefault("worker.default_stage_timeout", def.Worker.DefaultTimeout)
	v.SetDefault("worker.stage_timeouts", def.Worker.StageTimeouts)
	v.SetDefault("worker.heartbeat_ttl", def.Worker.HeartbeatTTL)

	v.SetDefault("remote_access.mode", def.RemoteAccess.Mode)

	v.SetDefault("web.cookie_secure", def.Web.CookieSecure)
	v.SetDefault("web.cookie_samesite", def.Web.CookieSameSite)

	v.SetDefault("eventhub.subscriber_buffer_size", def.EventHub.SubscriberBufferSize)
	v.SetDefault("eventhub.heartbeat_interval", def.EventHub.HeartbeatInterval)
	v.SetDefault("eventhub.replay_window", def.EventHub.ReplayWindow)
	v.SetDefault("eventhub.progress_coalesce_window", def.EventHub.ProgressCoalesceWindow)
	v.SetDefault("eventhub.subscriber_idle_timeout", def.EventHub.SubscriberIdleTimeout)

	v.SetDefault("retention.policy", def.Retention.Policy)
	v.SetDefault("retention.sweep_interval", def.Retention.SweepInterval)

	v.SetDefault("audit.log_path", def.Audit.LogPath)
	v.SetDefault("audit.rotate_mb", def.Audit.RotateMB)
	v.SetDefault("audit.max_backups", def.Audit.MaxBackups)
	v.SetDefault("audit.compress", def.Audit.Compress)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)
}

// bindCanonicalEnv binds the operator-facing env var names from the
// external interface contract onto the nested viper keys, since the
// flattened canonical names don't match the nested "a.b" replacer.
func bindCanonicalEnv(v *viper.Viper) {
	binds := map[string]string{
		"paths.state_dir":   "STATE_DIR",
		"paths.output_dir":  "OUTPUT_DIR",
		"paths.log_dir":     "LOG_DIR",
		"paths.uploads_dir": "UPLOADS_DIR",

		"uploads.max_upload_mb":                  "MAX_UPLOAD_MB",
		"uploads.max_storage_mb_per_user":         "MAX_STORAGE_MB_PER_USER",
		"uploads.upload_chunk_bytes":              "UPLOAD_CHUNK_BYTES",

		"quotas.max_concurrent_global":    "MAX_CONCURRENT_GLOBAL",
		"quotas.max_concurrent_per_user":  "MAX_CONCURRENT_PER_USER",
		"quotas.daily_job_cap":            "DAILY_JOB_CAP",
		"quotas.daily_processing_minutes": "DAILY_PROCESSING_MINUTES",

		"scheduler.max_concurrent_global": "MAX_CONCURRENT_GLOBAL",
		"scheduler.backpressure_q_max":    "BACKPRESSURE_Q_MAX",

		"remote_access.mode":              "REMOTE_ACCESS_MODE",
		"remote_access.trusted_proxy_subnets": "TRUSTED_PROXY_SUBNETS",
		"remote_access.allowed_subnets":       "ALLOWED_SUBNETS",

		"dispatch.redis_url":                       "REDIS_URL",
		"dispatch.backend":                         "QUEUE_BACKEND",
		"dispatch.redis_queue_visibility_timeout":  "REDIS_QUEUE_VISIBILITY_TIMEOUT_S",

		"web.cors_origins":    "CORS_ORIGINS",
		"web.cookie_secure":   "COOKIE_SECURE",
		"web.cookie_samesite": "COOKIE_SAMESITE",
		"web.jwt_secret":      "JWT_SECRET",
		"web.csrf_secret":     "CSRF_SECRET",
		"web.session_secret":  "SESSION_SECRET",

		"retention.policy":         "RETENTION_POLICY",
		"retention.sweep_interval": "RETENTION_SWEEP_INTERVAL_SEC",

		"observability.metrics_port":   "METRICS_PORT",
		"observability.tracing.enabled":       "TRACING_ENABLED",
		"observability.tracing.endpoint":      "TRACING_ENDPOINT",
		"observability.tracing.sampling_rate": "TRACING_SAMPLING_RATE",

		"audit.log_path":    "AUDIT_LOG_PATH",
		"audit.rotate_mb":   "AUDIT_ROTATE_MB",
		"audit.max_backups": "AUDIT_MAX_BACKUPS",

		"notify.webhook_url":    "NOTIFY_WEBHOOK_URL",
		"notify.webhook_secret": "NOTIFY_WEBHOOK_SECRET",
		"notify.nats_url":       "NOTIFY_NATS_URL",
	}
	for key, env := range binds {
		_ = v.BindEnv(key, env)
	}
}

// Validate checks config invariants and returns a descriptive error on
// violation, mirroring the fail-fast boot behavior the rest of this
// codebase's ancestry uses for worker/producer settings.
func Validate(cfg *Config) error {
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if cfg.Uploads.ChunkBytes <= 0 {
		return fmt.Errorf("uploads.upload_chunk_bytes must be > 0")
	}
	if cfg.Quotas.MaxConcurrentPerUser < 1 {
		return fmt.Errorf("quotas.max_concurrent_per_user must be >= 1")
	}
	if cfg.Scheduler.BackpressureQMax < 1 {
		return fmt.Errorf("scheduler.backpressure_q_max must be >= 1")
	}
	switch cfg.Dispatch.Backend {
	case "auto", "local", "redis":
	default:
		return fmt.Errorf("dispatch.backend must be one of auto|local|redis, got %q", cfg.Dispatch.Backend)
	}
	switch cfg.RemoteAccess.Mode {
	case "off", "tailscale", "cloudflare":
	default:
		return fmt.Errorf("remote_access.mode must be one of off|tailscale|cloudflare, got %q", cfg.RemoteAccess.Mode)
	}
	switch cfg.Retention.Policy {
	case "full", "balanced", "minimal":
	default:
		return fmt.Errorf("retention.policy must be one of full|balanced|minimal, got %q", cfg.Retention.Policy)
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Dispatch.Backend == "redis" && cfg.Dispatch.RedisURL == "" {
		return fmt.Errorf("dispatch.redis_url is required when dispatch.backend=redis")
	}
	return nil
}
