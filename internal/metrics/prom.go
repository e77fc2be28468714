package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors holds the Prometheus instruments of one detector instance.
// Passing a nil registerer yields working but unregistered collectors.
type Collectors struct {
	EventsProcessed prometheus.Counter
	EventsDropped   *prometheus.CounterVec
	AlertsTotal     *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec
	StoreLatency    *prometheus.HistogramVec
	ZScores         prometheus.Histogram
	SourcesTracked  prometheus.Gauge
	SubscriberDrops prometheus.Counter
	Subscribers     prometheus.Gauge
	IngestDropped   *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
}

func NewCollectors(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		EventsProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "lateralguard_events_processed_total",
			Help: "Connection events that passed validation and were scored",
		}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lateralguard_events_dropped_total",
			Help: "Connection events discarded before scoring",
		}, []string{"reason"}),
		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lateralguard_alerts_total",
			Help: "Alerts emitted by kind and severity",
		}, []string{"kind", "severity"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lateralguard_store_errors_total",
			Help: "Event store failures by operation",
		}, []string{"op"}),
		StoreLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lateralguard_store_duration_seconds",
			Help:    "Event store call latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		}, []string{"op"}),
		ZScores: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lateralguard_zscore",
			Help:    "Distribution of per-event deviation scores",
			Buckets: []float64{-1, 0, 0.5, 1, 2, 3, 4, 6, 10},
		}),
		SourcesTracked: f.NewGauge(prometheus.GaugeOpts{
			Name: "lateralguard_sources_tracked",
			Help: "Sources with connection history in memory",
		}),
		SubscriberDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "lateralguard_alert_subscriber_drops_total",
			Help: "Alerts not delivered because a subscriber queue was full",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "lateralguard_alert_subscribers",
			Help: "Active alert subscribers",
		}),
		IngestDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lateralguard_ingest_dropped_total",
			Help: "Events dropped at ingest because the engine queue was full",
		}, []string{"origin"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lateralguard_store_breaker_state",
			Help: "Event store circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"name"}),
	}
}
