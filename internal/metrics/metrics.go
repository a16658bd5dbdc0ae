package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	PagesFetched      prometheus.Counter
	MessagesProcessed prometheus.Counter
	MessagesSkipped   prometheus.Counter
	StoriesCreated    prometheus.Counter
	StoriesUpdated    prometheus.Counter
	RepliesSent       prometheus.Counter
	PassFailures      prometheus.Counter
	PassDuration      prometheus.Histogram
}

// NewMetrics creates new Prometheus metrics on the default registry
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates new Prometheus metrics on the given registerer
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PagesFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "mail_story_sync_pages_fetched_total",
			Help: "Total number of change-feed pages fetched",
		}),
		MessagesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mail_story_sync_messages_processed_total",
			Help: "Total number of messages given a terminal ledger entry",
		}),
		MessagesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "mail_story_sync_messages_skipped_total",
			Help: "Total number of messages skipped by the dedup gate",
		}),
		StoriesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "mail_story_sync_stories_created_total",
			Help: "Total number of User Stories created from mail",
		}),
		StoriesUpdated: factory.NewCounter(prometheus.CounterOpts{
			Name: "mail_story_sync_stories_updated_total",
			Help: "Total number of User Stories updated from mail",
		}),
		RepliesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "mail_story_sync_replies_sent_total",
			Help: "Total number of confirmation and error replies sent",
		}),
		PassFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mail_story_sync_pass_failures_total",
			Help: "Total number of sync passes that aborted with an error",
		}),
		PassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mail_story_sync_pass_duration_seconds",
			Help:    "Time spent on one full sync pass across all mailboxes",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
