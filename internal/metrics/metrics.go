package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TunersInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tuner_in_use",
		Help: "Tuner slots currently streaming",
	})
	TunerCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tuner_capacity",
		Help: "Tuner slots reported by the device",
	})
	StreamStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_starts_total",
		Help: "Live streams started, by channel kind",
	}, []string{"kind"})
	StreamRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_rejections_total",
		Help: "Tune requests that did not produce a stream, by reason",
	}, []string{"reason"})

	GuideFiles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guide_files_total",
		Help: "Guide cache files processed, by result",
	}, []string{"result"})
	GuideSyncSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "guide_sync_seconds",
		Help:    "Duration of a full guide sync pass",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Duration of outbound cloud and device requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "status"})
)

// MustRegister registers every collector with registerer.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		TunersInUse,
		TunerCapacity,
		StreamStarts,
		StreamRejections,
		GuideFiles,
		GuideSyncSeconds,
		NetworkRequestDuration,
	)
}

// ObserveNetworkRequest records the duration and outcome of an outbound call.
func ObserveNetworkRequest(component, operation string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	NetworkRequestDuration.WithLabelValues(component, operation, status).Observe(time.Since(start).Seconds())
}
