package pledges

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts lifecycle and recompute activity. A nil registry yields
// working but unregistered collectors.
type Metrics struct {
	pledgesCreated        prometheus.Counter
	pledgesPublished      prometheus.Counter
	recomputes            prometheus.Counter
	recomputeFailures     prometheus.Counter
	profileLookupFailures prometheus.Counter
	sweeps                prometheus.Counter
	sweepsSkipped         prometheus.Counter
	sweepDeferred         prometheus.Gauge
	notificationsSent     prometheus.Counter
	notificationsFailed   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		pledgesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "pledges_created_total",
			Help: "pledges accepted from submissions",
		}),
		pledgesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "pledges_published_total",
			Help: "pledges published by email confirmation",
		}),
		recomputes: factory.NewCounter(prometheus.CounterOpts{
			Name: "pledges_recomputes_total",
			Help: "aggregate recomputations written",
		}),
		recomputeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pledges_recompute_failures_total",
			Help: "aggregate recomputations that could not be written",
		}),
		profileLookupFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pledges_profile_lookup_failures_total",
			Help: "declared hours lookups that failed and counted as zero",
		}),
		sweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "pledges_sweeps_total",
			Help: "completed or interrupted recompute sweeps",
		}),
		sweepsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "pledges_sweeps_skipped_total",
			Help: "sweeps skipped because another was running",
		}),
		sweepDeferred: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pledges_sweep_deferred",
			Help: "published pledges left for the next sweep",
		}),
		notificationsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "pledges_notifications_sent_total",
			Help: "emails accepted by the mailer",
		}),
		notificationsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "pledges_notifications_failed_total",
			Help: "emails the mailer rejected",
		}),
	}
}
