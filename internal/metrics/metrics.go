package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_processed_total",
		Help: "Jobs executed, by job name and outcome (done, retried, failed).",
	}, []string{"job", "outcome"})

	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queue_job_duration_seconds",
		Help:    "Job handler duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})

	JobsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_jobs_skipped_total",
		Help: "Lifecycle jobs that found nothing to do, by job and reason.",
	}, []string{"job", "reason"})

	BilledUnits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_units_total",
		Help: "Billable units written to the ledger, by session type and trigger.",
	}, []string{"session_type", "trigger"})

	QuotaShortfalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_quota_shortfalls_total",
		Help: "Units refused because the patient had no quota left.",
	}, []string{"session_type"})

	GuardrailHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_guardrail_hits_total",
		Help: "Legacy billing calls on session-backed appointments.",
	}, []string{"endpoint", "enforced"})

	ConnectionBackfills = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "call_connection_backfills_total",
		Help: "Calls whose connected_at was backfilled from answered_at after they ended.",
	})

	PollerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_poller_runs_total",
		Help: "Degraded-mode poller runs, by outcome.",
	}, []string{"outcome"})

	SweepRepairs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_sweep_repairs_total",
		Help: "Sessions repaired by the periodic sweeps.",
	}, []string{"sweep"})
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequests, HTTPDuration,
		JobsProcessed, JobDuration, JobsSkipped,
		BilledUnits, QuotaShortfalls, GuardrailHits,
		ConnectionBackfills, PollerRuns, SweepRepairs,
	)
}

// Middleware records request counts and latencies under the matched route pattern.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		route := c.Route().Path
		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		HTTPRequests.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		HTTPDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
		return err
	}
}
