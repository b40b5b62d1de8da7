package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "duet",
		Subsystem: "realtime",
		Name:      "events_delivered_total",
		Help:      "Messages enqueued to live subscriptions.",
	})

	metricEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "duet",
		Subsystem: "realtime",
		Name:      "evictions_total",
		Help:      "Subscriptions evicted because their queue was full.",
	})

	metricActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "duet",
		Subsystem: "realtime",
		Name:      "active_subscriptions",
		Help:      "Live hub subscriptions.",
	})

	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "duet",
		Subsystem: "realtime",
		Name:      "ws_connections",
		Help:      "Open websocket sessions.",
	})

	metricNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duet",
		Subsystem: "realtime",
		Name:      "notifications_total",
		Help:      "Postgres change notifications handled by the listener, by outcome.",
	}, []string{"outcome"})
)
