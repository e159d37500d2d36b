package idempotency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ledgerChecks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "notificationdispatch",
		Subsystem: "ledger",
		Name:      "checks_total",
		Help:      "Idempotency checks by outcome",
	},
	[]string{"outcome"},
)

func recordLedgerCheck(outcome string) {
	ledgerChecks.WithLabelValues(outcome).Inc()
}
