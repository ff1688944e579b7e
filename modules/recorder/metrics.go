package recorder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "streamcue"

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "recorder",
		Name:      "sessions_total",
		Help:      "Recording sessions ended, by reason.",
	}, []string{"reason"})
	titleChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "recorder",
		Name:      "title_changes_total",
		Help:      "Song boundaries written to cue logs.",
	})
	capturedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "recorder",
		Name:      "captured_bytes_total",
		Help:      "Audio bytes written to raw segments.",
	})
	rotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "recorder",
		Name:      "segment_rotations_total",
		Help:      "Raw segment files started after the first of a session.",
	})
	statusFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "recorder",
		Name:      "status_poll_failures_total",
		Help:      "Failed attempts to fetch the stream status.",
	})
	listenersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "recorder",
		Name:      "listeners",
		Help:      "Listeners reported by the stream status.",
	})
	bitrateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "recorder",
		Name:      "bitrate_kbps",
		Help:      "Bitrate reported by the stream status.",
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "recorder",
		Name:      "segmentation_queue_depth",
		Help:      "Finished sessions waiting to be split.",
	})
)
