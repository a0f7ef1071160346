package queue

import (
	"time"

	"github.com/bissquit/relay/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of work items by status",
		},
		[]string{"status"},
	)

	itemsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claimed_total",
			Help:      "Total work items claimed by this instance. Sum of outcomes_total should match this.",
		},
	)

	claimErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claim_errors_total",
			Help:      "Total failed claim attempts",
		},
	)

	itemOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "outcomes_total",
			Help:      "Processed work items by kind and resulting action",
		},
		[]string{"kind", "result"},
	)

	processDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "process_duration_seconds",
			Help:      "Time spent in the delivery handler",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)

	itemsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "reaped_total",
			Help:      "Total stale claims returned to the queue",
		},
	)
)

func recordClaimed(count int) {
	itemsClaimed.Add(float64(count))
}

func recordClaimError() {
	claimErrors.Inc()
}

func recordOutcome(kind, result string) {
	itemOutcomes.WithLabelValues(kind, result).Inc()
}

func recordProcessDuration(kind string, duration time.Duration) {
	processDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func recordReaped(count int64) {
	itemsReaped.Add(float64(count))
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *Stats) {
	queueSize.WithLabelValues(domain.StatusQueued.Code()).Set(float64(stats.Queued))
	queueSize.WithLabelValues(domain.StatusClaimed.Code()).Set(float64(stats.Claimed))
	queueSize.WithLabelValues(domain.StatusProcessing.Code()).Set(float64(stats.Processing))
	queueSize.WithLabelValues(domain.StatusSent.Code()).Set(float64(stats.Sent))
	queueSize.WithLabelValues(domain.StatusFailed.Code()).Set(float64(stats.Failed))
}
