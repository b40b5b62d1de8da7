package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricResolves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duet",
		Subsystem: "conversation",
		Name:      "resolves_total",
		Help:      "Conversation identity resolutions by outcome.",
	}, []string{"outcome"})

	metricAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duet",
		Subsystem: "message",
		Name:      "appends_total",
		Help:      "Message appends by outcome.",
	}, []string{"outcome"})
)
