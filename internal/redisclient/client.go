// Copyright 2025 James Ross
// Package redisclient builds the pooled go-redis/v9 client shared by
// every Redis-backed concern in this module (currently the durable
// dispatch backend; a future Redis-backed rate limiter or session
// store would construct from the same options).
package redisclient

import (
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures pooling independently of any one caller's config
// struct, since RedisDispatchConfig carries only the fields it needs
// and this package is meant to be reusable beyond dispatch.
type Options struct {
	URL          string
	PoolSize     int // 0 picks a default of 10 per CPU (runtime.NumCPU), matching the teacher's sizing rule
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
}

// New parses opts.URL and returns a configured, pooled client. It does
// not ping; callers that need a liveness check (dispatch's backend
// probe, most notably) do that themselves against the returned client.
func New(opts Options) (*redis.Client, error) {
	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, err
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 10 * runtime.NumCPU()
	}
	parsed.PoolSize = poolSize
	if opts.MinIdleConns > 0 {
		parsed.MinIdleConns = opts.MinIdleConns
	}
	if opts.DialTimeout > 0 {
		parsed.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		parsed.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		parsed.WriteTimeout = opts.WriteTimeout
	}
	if opts.MaxRetries > 0 {
		parsed.MaxRetries = opts.MaxRetries
	}
	return redis.NewClient(parsed), nil
}
