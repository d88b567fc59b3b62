package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	retentionRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parex_retention_runs_total",
			Help: "Total number of expired-session retention runs by status.",
		},
		[]string{"status"},
	)
	retentionSessionsPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parex_retention_sessions_purged_total",
			Help: "Total number of expired read sessions purged.",
		},
	)
	retentionObjectsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parex_retention_objects_deleted_total",
			Help: "Total number of stream objects deleted by retention runs.",
		},
	)
	integrityRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parex_integrity_runs_total",
			Help: "Total number of integrity check runs by status.",
		},
		[]string{"status"},
	)
	integrityObjectsCheckedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parex_integrity_objects_checked_total",
			Help: "Total number of stream objects checked by integrity validation.",
		},
	)
	integrityMissingObjectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parex_integrity_missing_objects_total",
			Help: "Total number of missing stream objects detected by integrity validation.",
		},
	)
	integritySizeMismatchObjectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parex_integrity_size_mismatch_objects_total",
			Help: "Total number of stream object size mismatches detected by integrity validation.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		retentionRunsTotal,
		retentionSessionsPurgedTotal,
		retentionObjectsDeletedTotal,
		integrityRunsTotal,
		integrityObjectsCheckedTotal,
		integrityMissingObjectsTotal,
		integritySizeMismatchObjectsTotal,
	)
}
