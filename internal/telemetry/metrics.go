package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// FramesCaptured counts management frames read from the capture handle
	FramesCaptured = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "piguard",
			Name:      "frames_captured_total",
			Help:      "Total number of management frames read by the capture engine",
		},
		[]string{"interface"},
	)

	// FramesDropped counts frames skipped because they could not be parsed
	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "piguard",
			Name:      "frames_dropped_total",
			Help:      "Total number of frames skipped by the parser",
		},
		[]string{"interface", "reason"},
	)

	// EventsStored counts events written to the event store
	EventsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "piguard",
			Name:      "events_stored_total",
			Help:      "Total number of events flushed to the store",
		},
		[]string{"frame_type"},
	)

	// CaptureOpenErrors counts failed attempts to open the monitor interface
	CaptureOpenErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "piguard",
			Name:      "capture_open_errors_total",
			Help:      "Total number of failed capture interface opens",
		},
		[]string{"interface"},
	)

	// ChannelSwitches counts hopper channel switch attempts by outcome
	ChannelSwitches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "piguard",
			Name:      "channel_switches_total",
			Help:      "Total number of channel switch attempts",
		},
		[]string{"interface", "result"},
	)

	// DetectorErrors counts detector evaluations that failed
	DetectorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "piguard",
			Name:      "detector_errors_total",
			Help:      "Total number of detector evaluation errors",
		},
		[]string{"detector"},
	)

	// AlertsEmitted counts persisted alerts
	AlertsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "piguard",
			Name:      "alerts_total",
			Help:      "Total number of alerts persisted",
		},
		[]string{"kind", "severity"},
	)

	// AlertsSuppressed counts findings dropped by cooldown
	AlertsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "piguard",
			Name:      "alerts_suppressed_total",
			Help:      "Total number of findings suppressed by cooldown",
		},
		[]string{"kind"},
	)

	// NotifyErrors counts failed notifier deliveries
	NotifyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "piguard",
			Name:      "notify_errors_total",
			Help:      "Total number of failed alert notifications",
		},
		[]string{"notifier"},
	)

	// ConfigReloads counts config reload decisions
	ConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "piguard",
			Name:      "config_reloads_total",
			Help:      "Total number of config reloads by result",
		},
		[]string{"result"},
	)

	// Ensure metrics are only registered once
	once sync.Once
)

// InitMetrics registers all metrics with the global Prometheus registry.
// It is idempotent.
func InitMetrics() {
	once.Do(func() {
		for _, c := range []prometheus.Collector{
			FramesCaptured, FramesDropped, EventsStored, CaptureOpenErrors,
			ChannelSwitches, DetectorErrors, AlertsEmitted, AlertsSuppressed,
			NotifyErrors, ConfigReloads,
		} {
			// Already-registered collectors are not an error here
			_ = prometheus.DefaultRegisterer.Register(c)
		}
	})
}
