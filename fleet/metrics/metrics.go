package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

var (
	registerOnce sync.Once

	instanceStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "androidmulti",
			Subsystem: "fleet",
			Name:      "instances",
			Help:      "Known instances by lifecycle state.",
		},
		[]string{"state"},
	)
	startDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "androidmulti",
			Subsystem: "supervisor",
			Name:      "start_duration_seconds",
			Help:      "Time from start request to confirmed launch.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)
	unexpectedExits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "androidmulti",
			Subsystem: "supervisor",
			Name:      "unexpected_exits_total",
			Help:      "Emulator processes that exited without a stop request.",
		},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "androidmulti",
			Subsystem: "inputsync",
			Name:      "dispatches_total",
			Help:      "Synchronized input events dispatched.",
		},
		[]string{"event"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "androidmulti",
			Subsystem: "inputsync",
			Name:      "deliveries_total",
			Help:      "Per-target input deliveries.",
		},
		[]string{"event", "success"},
	)
	droppedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "androidmulti",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Notifications a slow subscriber missed.",
		},
		[]string{"kind"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "androidmulti",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total control API requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "androidmulti",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Control API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(instanceStates, startDuration, unexpectedExits, dispatches, deliveries, droppedEvents, httpRequests, httpDuration)
	})
}

// SetInstanceStates replaces the per-state gauge from a full listing.
func SetInstanceStates(records []types.InstanceRecord) {
	RegisterMetrics()
	counts := map[types.InstanceState]int{}
	for _, rec := range records {
		counts[rec.State]++
	}
	for _, state := range []types.InstanceState{types.StateCreated, types.StateStarting, types.StateRunning, types.StateStopped, types.StateFailed} {
		instanceStates.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
}

func RecordStart(duration time.Duration, err error) {
	RegisterMetrics()
	outcome := "running"
	if err != nil {
		outcome = "failed"
	}
	startDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordUnexpectedExit() {
	RegisterMetrics()
	unexpectedExits.Inc()
}

func RecordDispatch(event string, delivered, failed int) {
	RegisterMetrics()
	dispatches.WithLabelValues(event).Inc()
	deliveries.WithLabelValues(event, "true").Add(float64(delivered))
	deliveries.WithLabelValues(event, "false").Add(float64(failed))
}

func RecordDroppedEvent(kind string) {
	RegisterMetrics()
	droppedEvents.WithLabelValues(kind).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
