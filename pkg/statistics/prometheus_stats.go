package statistics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	qdbDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "rangekeeper_qdb_operation_duration_seconds",
		Help: "Metadata store operation duration in seconds",
		Buckets: []float64{
			0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0,
		},
	}, []string{"operation"})

	migrationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "rangekeeper_migration_duration_seconds",
		Help: "Chunk migration duration in seconds, by outcome",
		Buckets: []float64{
			0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0,
		},
	}, []string{"outcome"})

	migrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rangekeeper_migrations_total",
		Help: "Total number of finished chunk migrations, by outcome",
	}, []string{"outcome"})

	clonedDocuments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rangekeeper_cloned_documents_total",
		Help: "Documents copied from donor to recipient shards",
	})

	deletedDocuments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rangekeeper_range_deletion_documents_total",
		Help: "Orphan documents removed by range deletion",
	})

	rangeDeletionTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rangekeeper_range_deletion_tasks",
		Help: "Number of range deletion tasks not yet done",
	})

	staleVersionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rangekeeper_stale_version_errors_total",
		Help: "Writes and commits rejected because of a stale routing version",
	})
)

func RecordQDBOperation(op string, duration time.Duration) {
	qdbDuration.WithLabelValues(op).Observe(duration.Seconds())
	recordMoveQDBTime(duration)
}

func RecordMigrationOutcome(outcome string, duration time.Duration) {
	migrationsTotal.WithLabelValues(outcome).Inc()
	migrationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordClonedDocuments(n int) {
	clonedDocuments.Add(float64(n))
}

func RecordDeletedDocuments(n int) {
	deletedDocuments.Add(float64(n))
}

func RangeDeletionTaskQueued() {
	rangeDeletionTasks.Inc()
}

func RangeDeletionTaskFinished() {
	rangeDeletionTasks.Dec()
}

func RecordStaleVersion() {
	staleVersionErrors.Inc()
}
