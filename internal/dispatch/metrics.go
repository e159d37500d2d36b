package dispatch

import (
	"net/http"
	"time"

	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/bissquit/notification-dispatch/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes.
const (
	outcomeAccepted    = "accepted"
	outcomeRejected    = "rejected"
	outcomeDuplicate   = "duplicate"
	outcomeInvalid     = "invalid"
	outcomeUnavailable = "unavailable"
	outcomeInProgress  = "in_progress"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Send requests by outcome",
		},
		[]string{"outcome"},
	)

	channelOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "dispatch",
			Name:      "channel_outcomes_total",
			Help:      "Per-channel dispatch outcomes",
		},
		[]string{"channel", "status", "error_kind"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "dispatch",
			Name:      "jobs_enqueued_total",
			Help:      "Delivery jobs enqueued",
		},
		[]string{"channel"},
	)

	pipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "dispatch",
			Name:      "pipeline_duration_seconds",
			Help:      "Time from intake to receipt for accepted requests",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
)

func recordRequest(outcome string) {
	requestsTotal.WithLabelValues(outcome).Inc()
}

func recordChannel(ch domain.Channel, status ChannelStatus, kind string) {
	channelOutcomes.WithLabelValues(string(ch), string(status), kind).Inc()
}

func recordJobEnqueued(ch domain.Channel) {
	jobsEnqueued.WithLabelValues(string(ch)).Inc()
}

func recordDuration(d time.Duration) {
	pipelineDuration.Observe(d.Seconds())
}

func requestOutcome(res *Result) string {
	if res.Status == http.StatusAccepted {
		return outcomeAccepted
	}
	return outcomeRejected
}
