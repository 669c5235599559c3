// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ingest",
		Name:      "stage_duration_seconds",
		Help:      "Wall-clock duration of pipeline stages",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"stage"})

	stageResult = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "stage_result_total",
		Help:      "Stage outcomes by stage and result",
	}, []string{"stage", "result"})

	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "jobs_completed_total",
		Help:      "Terminal job results",
	}, []string{"result"})

	activeStage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ingest",
		Name:      "stage_active",
		Help:      "Number of jobs currently inside a stage",
	}, []string{"stage"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "cache_lookups_total",
		Help:      "Artifact cache lookups by outcome",
	}, []string{"outcome"})

	singleflightShared = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "singleflight_shared_total",
		Help:      "Submissions that attached to an in-flight execution",
	})

	transcodeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "transcode_retries_total",
		Help:      "Bounded bitrate-tightening transcode retries",
	})

	fetchBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "fetch_bytes_total",
		Help:      "Total bytes written to scratch by the fetcher",
	})

	helperUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "helper_updates_total",
		Help:      "Resolver helper self-update attempts",
	}, []string{"result"})
)

// ObserveStage records one stage execution.
func ObserveStage(stage string, d time.Duration, err error) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	stageResult.WithLabelValues(stage, result).Inc()
}

// StageStarted marks a job entering a stage; the returned func marks exit.
func StageStarted(stage string) func() {
	g := activeStage.WithLabelValues(stage)
	g.Inc()
	return g.Dec
}

// RecordJobResult records a terminal job outcome ("completed", "failed").
func RecordJobResult(result string) {
	jobsCompleted.WithLabelValues(result).Inc()
}

// RecordCacheLookup records a cache outcome ("hit", "miss", "stale").
func RecordCacheLookup(outcome string) {
	cacheLookups.WithLabelValues(outcome).Inc()
}

// RecordSingleflightShared counts a waiter attached to a running execution.
func RecordSingleflightShared() {
	singleflightShared.Inc()
}

// RecordTranscodeRetry counts one bitrate-tightening retry.
func RecordTranscodeRetry() {
	transcodeRetries.Inc()
}

// RecordFetchBytes adds to the fetched byte counter.
func RecordFetchBytes(n int64) {
	if n > 0 {
		fetchBytes.Add(float64(n))
	}
}

// RecordHelperUpdate records a helper self-update attempt ("ok", "error",
// "up_to_date").
func RecordHelperUpdate(result string) {
	helperUpdates.WithLabelValues(result).Inc()
}
