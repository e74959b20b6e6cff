package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	published       *prometheus.CounterVec
	publishFailures prometheus.Counter
	deliveries      *prometheus.CounterVec
	remote          prometheus.Counter
	cleaned         prometheus.Counter
}

// newMetrics builds the bus collectors. A nil registerer leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer, activeSubscriptions func() float64) *metrics {
	f := promauto.With(reg)
	m := &metrics{
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roost",
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events persisted by the bus, by topic namespace.",
		}, []string{"namespace"}),
		publishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "roost",
			Subsystem: "bus",
			Name:      "publish_failures_total",
			Help:      "Publishes rejected because the event could not be persisted.",
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roost",
			Subsystem: "bus",
			Name:      "deliveries_total",
			Help:      "Handler invocations by result (ok, error, panic).",
		}, []string{"result"}),
		remote: f.NewCounter(prometheus.CounterOpts{
			Namespace: "roost",
			Subsystem: "bus",
			Name:      "remote_events_total",
			Help:      "Events received from the relay.",
		}),
		cleaned: f.NewCounter(prometheus.CounterOpts{
			Namespace: "roost",
			Subsystem: "bus",
			Name:      "events_cleaned_total",
			Help:      "Events removed by retention cleanup.",
		}),
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "roost",
		Subsystem: "bus",
		Name:      "active_subscriptions",
		Help:      "Subscriptions currently registered.",
	}, activeSubscriptions)
	return m
}
