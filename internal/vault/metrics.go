package vault

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/dimm/internal/agent"
)

var (
	// AuthorizationsTotal counts pipeline outcomes; outcome is "accepted" or
	// the rejection code.
	AuthorizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dimm",
			Name:      "authorizations_total",
			Help:      "Transaction authorization outcomes by category and outcome.",
		},
		[]string{"category", "outcome"},
	)

	// AuthorizedVolume sums accepted amounts by category.
	AuthorizedVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dimm",
			Name:      "authorized_volume_total",
			Help:      "Sum of accepted transaction amounts in native units.",
		},
		[]string{"category"},
	)

	// AuthorizationDuration observes end-to-end pipeline latency, effect included.
	AuthorizationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dimm",
			Name:      "authorization_duration_seconds",
			Help:      "Transaction pipeline duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// CommitFailuresTotal counts effects that succeeded but whose bookkeeping
	// could not be written.
	CommitFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dimm",
			Name:      "commit_failures_total",
			Help:      "Transfers that completed but failed to commit bookkeeping.",
		},
	)
)

func init() {
	prometheus.MustRegister(AuthorizationsTotal, AuthorizedVolume, AuthorizationDuration, CommitFailuresTotal)
}

// observeAuthorization records the outcome of one pipeline run.
func observeAuthorization(category agent.Category, amount uint64, start time.Time, err error) {
	AuthorizationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		outcome := agent.CodeOf(err)
		if outcome == "" {
			outcome = "internal"
		}
		AuthorizationsTotal.WithLabelValues(string(category), outcome).Inc()
		return
	}
	AuthorizationsTotal.WithLabelValues(string(category), "accepted").Inc()
	AuthorizedVolume.WithLabelValues(string(category)).Add(float64(amount))
}
