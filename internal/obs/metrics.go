// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "Total number of jobs submitted",
	})
	JobsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_claimed_total",
		Help: "Total number of job leases claimed by workers",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of successfully completed jobs",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of failed jobs",
	})
	JobsCanceled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_canceled_total",
		Help: "Total number of canceled jobs",
	})
	StageRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stage_retries_total",
		Help: "Total number of stage-level transient retries",
	}, []string{"stage"})
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stage_duration_seconds",
		Help:    "Histogram of stage execution durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	DispatchBackendState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_backend_state",
		Help: "0 local, 1 redis, 2 degraded-to-local",
	})
	DispatchBackendTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_backend_trips_total",
		Help: "Count of times the dispatch backend degraded from redis to local",
	})
	SchedulerQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scheduler_queue_depth",
		Help: "Current pending queue depth by priority",
	}, []string{"priority"})
	SchedulerDegrades = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_degrades_total",
		Help: "Count of priority degrade decisions under backpressure",
	})
	UploadsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "uploads_active",
		Help: "Number of open upload sessions",
	})
	UploadBytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upload_bytes_received_total",
		Help: "Total bytes received across all uploads",
	})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of leases recovered by the reaper from expired workers",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines",
	})
	EventHubSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventhub_subscribers",
		Help: "Number of currently connected event subscribers",
	})
	EventHubDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventhub_dropped_total",
		Help: "Total number of events dropped due to slow subscribers",
	})
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "policy_rate_limited_total",
		Help: "Total number of requests rejected by rate limiting",
	}, []string{"endpoint_class"})
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventhub_published_total",
		Help: "Total number of events published on any topic",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsClaimed, JobsCompleted, JobsFailed, JobsCanceled,
		StageRetries, StageDuration,
		DispatchBackendState, DispatchBackendTrips,
		SchedulerQueueDepth, SchedulerDegrades,
		UploadsActive, UploadBytesReceived,
		ReaperRecovered, WorkerActive,
		EventHubSubscribers, EventHubDropped,
		RateLimited, EventsPublished,
	)
}
