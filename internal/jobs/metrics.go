package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_sync_jobs_total",
		Help: "Sync job attempts by operation and result.",
	}, []string{"operation", "result"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crm_sync_job_duration_seconds",
		Help:    "Duration of a single sync job attempt.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)
