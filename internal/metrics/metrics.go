package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rife_worker_job_duration_seconds",
		Help:    "Duration of interpolation jobs executed by the worker",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
	}, []string{"type", "status"})

	jobStatusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rife_worker_job_status_total",
		Help: "Total jobs completed grouped by type and status",
	}, []string{"type", "status"})

	framesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rife_worker_frames_generated_total",
		Help: "Frames produced by the interpolation engine",
	})

	acquireAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rife_worker_acquire_attempts_total",
		Help: "Binary archive download attempts grouped by outcome",
	}, []string{"outcome"})

	acquireBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rife_worker_acquire_bytes_total",
		Help: "Bytes downloaded while acquiring the binary archive",
	})

	pipelineStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rife_worker_pipeline_step_duration_seconds",
		Help:    "Duration of local build pipeline steps",
		Buckets: []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"step", "status"})
)

// ObserveJobCompletion records the duration and status of a completed job.
func ObserveJobCompletion(jobType, status string, duration time.Duration) {
	if jobType == "" {
		jobType = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	jobDuration.WithLabelValues(jobType, status).Observe(duration.Seconds())
	jobStatusTotal.WithLabelValues(jobType, status).Inc()
}

// AddFramesGenerated counts interpolated frames.
func AddFramesGenerated(n int) {
	if n > 0 {
		framesGenerated.Add(float64(n))
	}
}

// ObserveAcquireAttempt records one download attempt outcome
// (success, retry, permanent, checksum_mismatch, cache_hit).
func ObserveAcquireAttempt(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	acquireAttempts.WithLabelValues(outcome).Inc()
}

// AddAcquireBytes counts downloaded archive bytes.
func AddAcquireBytes(n int64) {
	if n > 0 {
		acquireBytes.Add(float64(n))
	}
}

// ObservePipelineStep records the duration of one build step.
func ObservePipelineStep(step string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failed"
	}
	pipelineStepDuration.WithLabelValues(step, status).Observe(duration.Seconds())
}

var storageBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "rife_worker_storage_bytes",
	Help: "Bytes held in per-job directories grouped by root (outputs, workspaces)",
}, []string{"root"})

// SetStorageUsage records the bytes currently held under a job directory root.
func SetStorageUsage(root string, bytes int64) {
	storageBytes.WithLabelValues(root).Set(float64(bytes))
}
