// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	PipelinesStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipelines_started_total",
		Help: "Total number of pipeline executions started",
	}, []string{"pipeline_type"})
	PipelinesReused = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipelines_reused_total",
		Help: "Total number of start calls answered from an existing record",
	}, []string{"pipeline_type"})
	PipelinesInvalidated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipelines_invalidated_total",
		Help: "Total number of records deleted because the config hash changed",
	}, []string{"pipeline_type"})
	PipelinesCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipelines_completed_total",
		Help: "Total number of pipeline executions finishing done",
	}, []string{"pipeline_type"})
	PipelinesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipelines_failed_total",
		Help: "Total number of pipeline executions finishing in error",
	}, []string{"pipeline_type"})
	PipelinesRestarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipelines_restarted_total",
		Help: "Total number of restart-from-job dispatches",
	}, []string{"pipeline_type"})
	JobsExecuted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_executed_total",
		Help: "Total number of job execute attempts",
	})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_retried_total",
		Help: "Total number of job retry attempts",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_failed_total",
		Help: "Total number of jobs reaching terminal failure",
	})
	StageDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Histogram of per-stage wall-clock durations",
		Buckets: prometheus.DefBuckets,
	})
	WatchdogReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchdog_reclaimed_total",
		Help: "Total number of stale jobs reclaimed by the watchdog",
	})
)

func init() {
	prometheus.MustRegister(PipelinesStarted, PipelinesReused, PipelinesInvalidated, PipelinesCompleted, PipelinesFailed, PipelinesRestarted, JobsExecuted, JobsRetried, JobsFailed, StageDuration, WatchdogReclaimed)
}
