package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts terminal jobs by kind and outcome.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rke2_jobs_total",
		Help: "Total number of finished jobs by kind and status",
	}, []string{"kind", "status"})

	// JobDuration observes wall-clock job durations by kind.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rke2_job_duration_seconds",
		Help:    "Job duration from start to terminal state",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1s .. ~73h
	}, []string{"kind"})

	// ClusterLocks tracks how many clusters currently hold an operation lock.
	ClusterLocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rke2_cluster_locks",
		Help: "Number of clusters with a running operation lock",
	})

	// StreamSubscribers tracks live job-output subscribers.
	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rke2_stream_subscribers",
		Help: "Number of attached job output stream subscribers",
	})

	// GuardrailRejections counts rejected operations per guardrail.
	GuardrailRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rke2_guardrail_rejections_total",
		Help: "Operations rejected by safety guardrails",
	}, []string{"guardrail"})
)
