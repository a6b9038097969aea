package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery channels used as label values.
const (
	ChannelRealtime = "realtime"
	ChannelPush     = "push"
)

// Metrics holds all application metrics
type Metrics struct {
	NotificationsCreated prometheus.Counter
	DeliveryAttempts     *prometheus.CounterVec
	FanoutDuration       prometheus.Histogram
	BulkSends            *prometheus.CounterVec
	DevicesRemoved       *prometheus.CounterVec
	NotificationsPurged  prometheus.Counter

	RealtimeConnections prometheus.Gauge
	RealtimeDropped     prometheus.Counter
}

// NewMetrics creates and registers all application metrics on reg. A nil reg
// falls back to the default registerer.
func NewMetrics(namespace, subsystem string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		NotificationsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_created_total",
			Help:      "Total number of persisted notifications",
		}),
		DeliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "delivery_attempts_total",
			Help:      "Per-device delivery attempts by channel and outcome",
		}, []string{"channel", "outcome"}),
		FanoutDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fanout_duration_seconds",
			Help:      "Time spent fanning one notification out to all devices of a user",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		BulkSends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bulk_sends_total",
			Help:      "Per-user results of multi-user sends",
		}, []string{"result"}),
		DevicesRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "devices_removed_total",
			Help:      "Devices removed by reason",
		}, []string{"reason"}),
		NotificationsPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_purged_total",
			Help:      "Read notifications removed by the retention sweep",
		}),
		RealtimeConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "realtime_connections",
			Help:      "Current number of live realtime connections on this instance",
		}),
		RealtimeDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "realtime_dropped_total",
			Help:      "Realtime events dropped because a connection's send buffer was full",
		}),
	}
}

// New builds an unregistered set, handy when nothing scrapes the process.
func New(namespace string) *Metrics {
	return NewMetrics(namespace, "", prometheus.NewRegistry())
}
