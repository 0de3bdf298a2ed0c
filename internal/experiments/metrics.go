package experiments

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	datasetBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "experiments",
			Name:      "dataset_builds_total",
			Help:      "Dataset builds by final status",
		},
		[]string{"status"},
	)

	datasetDocuments = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "experiments",
			Name:      "dataset_documents_total",
			Help:      "Documents exported into datasets",
		},
	)

	cleanupDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "retention",
			Name:      "deleted_total",
			Help:      "Rows deleted by the retention sweep",
		},
		[]string{"kind"},
	)
)
