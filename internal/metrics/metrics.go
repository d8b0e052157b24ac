// Package metrics holds the relay's prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Persist results.
const (
	PersistSaved   = "saved"
	PersistFailed  = "failed"
	PersistSkipped = "skipped"
	PersistAborted = "aborted"
)

// OutcomeStreamed labels a request whose stream was handed to the caller.
const OutcomeStreamed = "streamed"

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coach_relay",
		Name:      "requests_total",
		Help:      "Relay requests by outcome (streamed or error code).",
	}, []string{"outcome"})

	persistTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coach_relay",
		Name:      "persist_total",
		Help:      "Background accumulations by persistence result.",
	}, []string{"result"})

	accumulateSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coach_relay",
		Name:      "accumulate_seconds",
		Help:      "Time from stream start until the accumulated reply was final.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})
)

// ObserveRequest counts one relay request.
func ObserveRequest(outcome string) {
	requestsTotal.WithLabelValues(outcome).Inc()
}

// ObservePersist counts one accumulation by its persistence result.
func ObservePersist(result string) {
	persistTotal.WithLabelValues(result).Inc()
}

// ObserveAccumulation records how long the background copy took to drain.
func ObserveAccumulation(d time.Duration) {
	accumulateSeconds.Observe(d.Seconds())
}
