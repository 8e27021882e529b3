package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricsEndpoint = "0.0.0.0:9090"
)

var (
	JobsEnqueued  *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsReclaimed *prometheus.CounterVec

	JobRunTimeSummary *prometheus.SummaryVec

	HeartbeatsReceived *prometheus.CounterVec

	AssetTransitions *prometheus.CounterVec

	VulnLookups     *prometheus.CounterVec
	VulnsDiscovered *prometheus.CounterVec

	PlaybooksGenerated *prometheus.CounterVec

	StoreQueryErrorCount *prometheus.CounterVec
)

func init() {
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tower_jobs_enqueued",
			Help: "A counter metric to measure the total count of jobs enqueued per type",
		},
		[]string{"tenant", "type"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tower_jobs_completed",
			Help: "A counter metric to measure the total count of jobs completed, successful and failed",
		},
		[]string{"tenant", "type", "state"},
	)

	JobsReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tower_jobs_reclaimed",
			Help: "A counter metric to measure the total count of jobs reclaimed from expired leases",
		},
		[]string{"tenant", "type"},
	)

	JobRunTimeSummary = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "tower_job_duration_seconds",
			Help: "A summary metric to measure the total time jobs spend between acknowledge and completion",
		},
		[]string{"type", "state"},
	)

	HeartbeatsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tower_heartbeats_received",
			Help: "A counter metric to measure the total count of agent heartbeats received",
		},
		[]string{"tenant"},
	)

	AssetTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tower_asset_transitions",
			Help: "A counter metric to measure asset lifecycle transitions per reason",
		},
		[]string{"tenant", "from", "to"},
	)

	VulnLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tower_vuln_lookups",
			Help: "A counter metric to measure vulnerability lookups per source, cache hit or provider fetch",
		},
		[]string{"source"},
	)

	VulnsDiscovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tower_vulns_discovered",
			Help: "A counter metric to measure newly recorded vulnerabilities per severity",
		},
		[]string{"tenant", "severity"},
	)

	PlaybooksGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tower_playbooks_generated",
			Help: "A counter metric to measure the total count of remediation playbooks generated",
		},
		[]string{"tenant", "risk"},
	)

	StoreQueryErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_query_error_count",
			Help: "A counter metric to measure the total count of errors querying the entity store.",
		},
		[]string{"storeKind"},
	)
}

// ListenAndServe exposes prometheus metrics as /metrics
func ListenAndServe() {
	go func() {
		http.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              MetricsEndpoint,
			ReadHeaderTimeout: 2 * time.Second, // nolint:gomnd // time duration value is clear as is.
		}

		if err := server.ListenAndServe(); err != nil {
			log.Println(err)
		}
	}()
}
