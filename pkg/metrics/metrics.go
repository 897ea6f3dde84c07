package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcode_jobs_submitted_total",
		Help: "The total number of submitted transcode jobs",
	}, []string{"result"}) // result: queued, rejected, error

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcode_jobs_processed_total",
		Help: "The total number of transcode runs by outcome",
	}, []string{"status"}) // status: completed, failed, skipped

	JobsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcode_jobs_dead_lettered_total",
		Help: "The total number of jobs marked permanently failed by the reconciler",
	})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transcode_job_duration_seconds",
		Help:    "Duration of a transcode run.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"status"})

	QueueReceiveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcode_queue_receive_errors_total",
		Help: "The total number of failed queue receives",
	})
)
