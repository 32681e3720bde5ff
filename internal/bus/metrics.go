package bus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chanward",
		Subsystem: "bus",
		Name:      "events_emitted_total",
		Help:      "Events emitted on the bus, by type.",
	}, []string{"type"})

	eventsSwallowed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chanward",
		Subsystem: "bus",
		Name:      "events_swallowed_total",
		Help:      "Events swallowed by middleware before reaching listeners.",
	}, []string{"type"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chanward",
		Subsystem: "bus",
		Name:      "requests_total",
		Help:      "Requests issued on the bus, by request name and outcome.",
	}, []string{"request", "outcome"})
)

// now is swappable in tests that assert event timestamps.
var now = time.Now
