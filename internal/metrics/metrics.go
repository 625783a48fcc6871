// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	runsTotalCounter          *prometheus.CounterVec
	eventsTotalCounter        *prometheus.CounterVec
	malformedFramesCounter    prometheus.Counter
	persistFailuresCounter    *prometheus.CounterVec
	screenshotsTotalCounter   *prometheus.CounterVec
	broadcastDroppedCounter   prometheus.Counter
	runDurationMetric         prometheus.Histogram
	activeRunsGauge           prometheus.Gauge
	screenshotArchiveDuration prometheus.Histogram
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		runsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "test_runs_total",
				Help: "Total number of finished test runs by status.",
			},
			[]string{"status"},
		)

		eventsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "test_run_events_total",
				Help: "Total number of decoded test process events by type.",
			},
			[]string{"type"},
		)

		malformedFramesCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "test_run_malformed_frames_total",
				Help: "Total number of frames that failed JSON decoding.",
			},
		)

		persistFailuresCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "test_run_persist_failures_total",
				Help: "Total number of dropped state updates by operation.",
			},
			[]string{"op"},
		)

		screenshotsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screenshots_total",
				Help: "Total number of screenshot archival attempts by result.",
			},
			[]string{"result"},
		)

		broadcastDroppedCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "broadcast_dropped_total",
				Help: "Total number of live messages dropped for slow subscribers.",
			},
		)

		runDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "test_run_duration_seconds",
				Help:    "Wall clock duration of test processes in seconds.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		)

		activeRunsGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "test_runs_active",
				Help: "Number of test processes currently running.",
			},
		)

		screenshotArchiveDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "screenshot_archive_duration_seconds",
				Help:    "Duration of screenshot archival in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		prometheus.MustRegister(
			runsTotalCounter,
			eventsTotalCounter,
			malformedFramesCounter,
			persistFailuresCounter,
			screenshotsTotalCounter,
			broadcastDroppedCounter,
			runDurationMetric,
			activeRunsGauge,
			screenshotArchiveDuration,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, status := range []domain.RunStatus{domain.RunCompleted, domain.RunFailed} {
			runsTotalCounter.WithLabelValues(string(status))
		}

		for _, typ := range []domain.EventType{
			domain.EventTestStart,
			domain.EventStepEnd,
			domain.EventScreenshotAdd,
			domain.EventDebugLog,
			domain.EventTestEnd,
		} {
			eventsTotalCounter.WithLabelValues(string(typ))
		}

		for _, result := range []string{"archived", "invalid", "failed"} {
			screenshotsTotalCounter.WithLabelValues(result)
		}
	})
}

func IncRunStatus(status domain.RunStatus) {
	Init()
	runsTotalCounter.WithLabelValues(string(status)).Inc()
}

func IncEvent(typ domain.EventType) {
	Init()
	eventsTotalCounter.WithLabelValues(string(typ)).Inc()
}

func IncMalformedFrame() {
	Init()
	malformedFramesCounter.Inc()
}

func IncPersistFailure(op string) {
	Init()
	persistFailuresCounter.WithLabelValues(op).Inc()
}

func IncScreenshot(result string) {
	Init()
	screenshotsTotalCounter.WithLabelValues(result).Inc()
}

func IncBroadcastDropped() {
	Init()
	broadcastDroppedCounter.Inc()
}

func ObserveRunDuration(d time.Duration) {
	Init()
	runDurationMetric.Observe(d.Seconds())
}

func IncActiveRuns() {
	Init()
	activeRunsGauge.Inc()
}

func DecActiveRuns() {
	Init()
	activeRunsGauge.Dec()
}

func ObserveScreenshotArchive(d time.Duration) {
	Init()
	screenshotArchiveDuration.Observe(d.Seconds())
}
