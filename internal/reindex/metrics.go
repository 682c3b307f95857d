package reindex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	documentsCopiedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexkeeper_reindex_documents_copied_total",
		Help: "Documents written to a destination index, including version conflicts.",
	})
	documentsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexkeeper_reindex_documents_failed_total",
		Help: "Documents that failed after an individual retry and went to the error index.",
	})
	documentRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexkeeper_reindex_document_retries_total",
		Help: "Documents retried individually after a bulk failure.",
	})
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexkeeper_reindex_tasks_total",
		Help: "Reindex task runs by result.",
	}, []string{"result"})
	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "indexkeeper_reindex_batch_duration_seconds",
		Help:    "Time to write one batch including retries.",
		Buckets: prometheus.DefBuckets,
	})
)
