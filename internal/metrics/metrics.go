// Package metrics holds Prometheus instrumentation for the triage pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	RecordsFetched     prometheus.Counter
	DecisionsTotal     *prometheus.CounterVec
	ClassifierCalls    prometheus.Counter
	ClassifierFailures prometheus.Counter
	CardsCreated       *prometheus.CounterVec
	CardFailures       prometheus.Counter
	ArchiveBatches     prometheus.Counter
	ArchivedRecords    prometheus.Counter
	ReviewActions      *prometheus.CounterVec
	SessionDuration    prometheus.Histogram
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailtriage_records_fetched_total",
			Help: "Total inbox records fetched.",
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailtriage_decisions_total",
			Help: "Total decisions by action and processor.",
		}, []string{"action", "processor"}),
		ClassifierCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailtriage_classifier_batches_total",
			Help: "Total classifier batch calls.",
		}),
		ClassifierFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailtriage_classifier_failures_total",
			Help: "Classifier batches that fell back to review.",
		}),
		CardsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailtriage_cards_created_total",
			Help: "Task cards created by board.",
		}, []string{"board"}),
		CardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailtriage_card_failures_total",
			Help: "Card creations that failed and were downgraded to review.",
		}),
		ArchiveBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailtriage_archive_batches_total",
			Help: "Total archive batch calls.",
		}),
		ArchivedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailtriage_archived_records_total",
			Help: "Total records archived.",
		}),
		ReviewActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailtriage_review_actions_total",
			Help: "Interactive review actions by kind.",
		}, []string{"action"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailtriage_session_duration_seconds",
			Help:    "Duration of full pipeline sessions in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~68m
		}),
	}

	reg.MustRegister(
		m.RecordsFetched,
		m.DecisionsTotal,
		m.ClassifierCalls,
		m.ClassifierFailures,
		m.CardsCreated,
		m.CardFailures,
		m.ArchiveBatches,
		m.ArchivedRecords,
		m.ReviewActions,
		m.SessionDuration,
	)

	return m
}
