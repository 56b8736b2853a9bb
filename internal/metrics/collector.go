// Package metrics exposes Prometheus instrumentation for the support
// core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the service's Prometheus metrics
type Collector struct {
	MatchesTotal       *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	AnalysesTotal      prometheus.Counter
	ClassifierFailures prometheus.Counter
	ClassifierLatency  prometheus.Histogram
	AlertsTotal        *prometheus.CounterVec
	SessionsPaused     prometheus.Counter
	NotificationsTotal *prometheus.CounterVec
}

// NewCollector creates and registers the service metrics
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		MatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "support_match_requests_total",
			Help: "Support requests by outcome (matched, queued, conflict, error)",
		}, []string{"outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "support_queue_depth",
			Help: "Number of requesters currently waiting for a helper",
		}),
		AnalysesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "support_risk_analyses_total",
			Help: "Messages analyzed for crisis risk",
		}),
		ClassifierFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "support_classifier_failures_total",
			Help: "Semantic classifier calls that failed or timed out",
		}),
		ClassifierLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "support_classifier_latency_seconds",
			Help:    "Semantic classifier call latency",
			Buckets: prometheus.DefBuckets,
		}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "support_emergency_alerts_total",
			Help: "Emergency alerts created, by alert type",
		}, []string{"alert_type"}),
		SessionsPaused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "support_sessions_auto_paused_total",
			Help: "Sessions auto-paused by the escalation coordinator",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "support_notifications_total",
			Help: "Safeguarding notifications by channel and status",
		}, []string{"channel", "status"}),
	}

	reg.MustRegister(
		c.MatchesTotal,
		c.QueueDepth,
		c.AnalysesTotal,
		c.ClassifierFailures,
		c.ClassifierLatency,
		c.AlertsTotal,
		c.SessionsPaused,
		c.NotificationsTotal,
	)

	return c
}
