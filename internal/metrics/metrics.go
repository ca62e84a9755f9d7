package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fieldsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	pushOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_outcomes_total",
			Help:      "Push results by entity type and outcome.",
		},
		[]string{"entity_type", "outcome"},
	)

	pulledEntities = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulled_entities_total",
			Help:      "Remote entities applied or routed to the resolver during pull.",
		},
		[]string{"entity_type", "action"},
	)

	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sync cycles by final phase result.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	queueGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_items",
			Help:      "Queue items by state (pending, dead_letter, conflict).",
		},
		[]string{"state"},
	)

	online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 while the connection monitor reports online.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, pushOutcomes, pulledEntities, cycleDuration, queueGauge, online)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncPush records one push outcome.
func IncPush(entityType, outcome string) {
	pushOutcomes.WithLabelValues(entityType, outcome).Inc()
}

// IncPull records one pulled entity and what was done with it.
func IncPull(entityType, action string) {
	pulledEntities.WithLabelValues(entityType, action).Inc()
}

// ObserveCycle records the duration of one sync cycle.
func ObserveCycle(result string, d time.Duration) {
	cycleDuration.WithLabelValues(result).Observe(d.Seconds())
}

// SetQueue publishes the queue counters shown to users.
func SetQueue(pending, deadLetter, conflicts int) {
	queueGauge.WithLabelValues("pending").Set(float64(pending))
	queueGauge.WithLabelValues("dead_letter").Set(float64(deadLetter))
	queueGauge.WithLabelValues("conflict").Set(float64(conflicts))
}

// SetOnline mirrors connectivity.
func SetOnline(v bool) {
	if v {
		online.Set(1)
		return
	}
	online.Set(0)
}
