package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Repository metrics
	RepositoriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapvault_repositories_total",
			Help: "Total number of registered repositories",
		},
	)

	RepositoryCorrupted = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapvault_repository_corrupted",
			Help: "Whether a repository's corruption latch is tripped (1) or clear (0)",
		},
		[]string{"repository"},
	)

	SafeGeneration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapvault_repository_safe_generation",
			Help: "Last generation known to be durably committed",
		},
		[]string{"repository"},
	)

	PendingGeneration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapvault_repository_pending_generation",
			Help: "Generation currently reserved but not yet committed",
		},
		[]string{"repository"},
	)

	// Snapshot operation metrics
	SnapshotCreateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapvault_snapshot_create_duration_seconds",
			Help:    "Time taken to finalize a snapshot",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"repository"},
	)

	SnapshotDeleteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapvault_snapshot_delete_duration_seconds",
			Help:    "Time taken to delete snapshots and rewrite shard generations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"repository"},
	)

	ShardSnapshotDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapvault_shard_snapshot_duration_seconds",
			Help:    "Time taken to snapshot a single shard",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"repository"},
	)

	RestoreDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapvault_restore_duration_seconds",
			Help:    "Time taken to restore a single shard",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"repository"},
	)

	CleanupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapvault_cleanup_duration_seconds",
			Help:    "Time taken for a generation-sweep cleanup cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"repository"},
	)

	BlobsReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapvault_blobs_reclaimed_total",
			Help: "Total number of unreferenced blobs deleted by cleanup",
		},
		[]string{"repository"},
	)

	ActiveRestores = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapvault_active_restores",
			Help: "Number of shard restores currently in progress",
		},
		[]string{"repository"},
	)

	ThrottleNanosTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapvault_throttle_nanoseconds_total",
			Help: "Total nanoseconds spent waiting on the rate limiter",
		},
		[]string{"repository", "operation"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapvault_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapvault_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapvault_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapvault_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapvault_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapvault_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapvault_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapvault_raft_commit_duration_seconds",
			Help:    "Time taken to commit a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapvault_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snapvault_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)
)

func init() {
	prometheus.MustRegister(RepositoriesTotal)
	prometheus.MustRegister(RepositoryCorrupted)
	prometheus.MustRegister(SafeGeneration)
	prometheus.MustRegister(PendingGeneration)
	prometheus.MustRegister(SnapshotCreateDuration)
	prometheus.MustRegister(SnapshotDeleteDuration)
	prometheus.MustRegister(ShardSnapshotDuration)
	prometheus.MustRegister(RestoreDuration)
	prometheus.MustRegister(CleanupDuration)
	prometheus.MustRegister(BlobsReclaimedTotal)
	prometheus.MustRegister(ActiveRestores)
	prometheus.MustRegister(ThrottleNanosTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(RaftCommitDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
