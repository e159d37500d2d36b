package delivery

import (
	"time"

	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notificationdispatch"

var (
	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "send_duration_seconds",
			Help:      "Time spent in channel senders",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	jobsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "jobs_fetched_total",
			Help:      "Jobs leased from the broker",
		},
		[]string{"channel"},
	)

	queueJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs",
			Help:      "Jobs in the broker by state",
		},
		[]string{"state"},
	)
)

func recordAttempt(ch domain.Channel, result string) {
	deliveryAttempts.WithLabelValues(string(ch), result).Inc()
}

func recordSendDuration(ch domain.Channel, d time.Duration) {
	deliveryDuration.WithLabelValues(string(ch)).Observe(d.Seconds())
}

func recordFetched(ch domain.Channel, n int) {
	jobsFetched.WithLabelValues(string(ch)).Add(float64(n))
}

// RecordQueueStats updates queue gauges.
func RecordQueueStats(stats map[domain.JobState]int) {
	for state, n := range stats {
		queueJobs.WithLabelValues(string(state)).Set(float64(n))
	}
}
