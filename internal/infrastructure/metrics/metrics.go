// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "indexcheck"

const (
	ResultOK    = "ok"
	ResultError = "error"
)

// LedgerOperations counts reserve/consume/release attempts by outcome.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Ledger operations by operation and result.",
}, []string{"operation", "result"})

// LedgerCredits sums the credits moved by successful ledger operations.
var LedgerCredits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "credits_total",
	Help:      "Credits moved by operation.",
}, []string{"operation"})

// AvailableCredits is refreshed on every balance read.
var AvailableCredits = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "available_credits",
	Help:      "Credits neither used nor reserved at the last balance read.",
})

var CompensationFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "compensation_failures_total",
	Help:      "Reservations that could not be released after a failed start.",
})

var OutboxMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "outbox",
	Name:      "messages_total",
	Help:      "Outbox publish attempts by result.",
}, []string{"result"})

var CheckResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "checks",
	Name:      "results_total",
	Help:      "Check results recorded by outcome.",
}, []string{"outcome"})

// ObserveLedger records one ledger operation.
func ObserveLedger(operation string, amount int64, err error) {
	if err != nil {
		LedgerOperations.WithLabelValues(operation, ResultError).Inc()
		return
	}
	LedgerOperations.WithLabelValues(operation, ResultOK).Inc()
	if amount > 0 {
		LedgerCredits.WithLabelValues(operation).Add(float64(amount))
	}
}
