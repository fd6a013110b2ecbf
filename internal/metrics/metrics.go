package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	streamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentstream_stream_duration_seconds",
		Help:    "Duration of agent streams from request to final result",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"outcome"})

	streamsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentstream_streams_total",
		Help: "Total agent streams grouped by outcome",
	}, []string{"outcome"})

	updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentstream_stream_updates_total",
		Help: "Decoded stream updates grouped by kind",
	}, []string{"kind"})

	streamBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentstream_stream_bytes_total",
		Help: "Bytes read from agent stream bodies",
	})

	normalizedTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentstream_normalized_turns_total",
		Help: "Conversation turns normalized grouped by vendor",
	}, []string{"vendor"})

	normalizationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentstream_normalization_errors_total",
		Help: "Per-turn normalization errors grouped by vendor",
	}, []string{"vendor"})
)

// ObserveStream records the outcome and duration of a finished stream.
func ObserveStream(outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	streamDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	streamsTotal.WithLabelValues(outcome).Inc()
}

// ObserveUpdate counts one decoded update (or frame_decode failure).
func ObserveUpdate(kind string) {
	updatesTotal.WithLabelValues(kind).Inc()
}

// ObserveBytes counts bytes read from a stream body.
func ObserveBytes(n int) {
	if n > 0 {
		streamBytes.Add(float64(n))
	}
}

// ObserveNormalization records a normalization pass.
func ObserveNormalization(vendor string, turns, errs int) {
	normalizedTurns.WithLabelValues(vendor).Add(float64(turns))
	if errs > 0 {
		normalizationErrors.WithLabelValues(vendor).Add(float64(errs))
	}
}
