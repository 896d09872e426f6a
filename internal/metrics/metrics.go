package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/httprunner/DevicePool/pkg/device"
	"github.com/httprunner/DevicePool/pkg/monitor"
)

// Allocation outcomes recorded by ObserveAllocation.
const (
	ResultAllocated  = "allocated"
	ResultNoDevice   = "no_device"
	ResultTerminated = "terminated"
	ResultError      = "error"
)

var trackedStates = []device.State{
	device.StateAvailable,
	device.StateAllocated,
	device.StateUnavailable,
	device.StateOffline,
}

// Metrics exposes pool metrics that are safe to scrape via Prometheus. It is
// also a monitor.Observer that tracks device states.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	transitions         *prometheus.CounterVec
	devices             *prometheus.GaugeVec
	allocations         *prometheus.CounterVec
	allocationDuration  prometheus.Histogram
}

// New creates a fresh Metrics registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicepool",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by the device pool API",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "devicepool",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by the device pool API",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicepool",
		Name:      "device_state_transitions_total",
		Help:      "Committed device state transitions",
	}, []string{"from", "to"})

	devices := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "devicepool",
		Name:      "devices",
		Help:      "Devices currently tracked by the pool, by state",
	}, []string{"state"})

	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicepool",
		Name:      "allocations_total",
		Help:      "Allocation requests by outcome",
	}, []string{"result"})

	allocationDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "devicepool",
		Name:      "allocation_duration_seconds",
		Help:      "Time spent matching and claiming a device",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		transitions,
		devices,
		allocations,
		allocationDuration,
	)
	for _, state := range trackedStates {
		devices.WithLabelValues(string(state)).Set(0)
	}

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		transitions:         transitions,
		devices:             devices,
		allocations:         allocations,
		allocationDuration:  allocationDuration,
	}
}

// OnDeviceStateChange implements monitor.Observer.
func (m *Metrics) OnDeviceStateChange(ev monitor.Event, lister monitor.Lister) error {
	if m == nil {
		return nil
	}
	m.transitions.WithLabelValues(string(ev.From), string(ev.To)).Inc()
	if lister == nil {
		return nil
	}
	counts := make(map[device.State]int, len(trackedStates))
	for _, st := range lister.ListDevices() {
		counts[st.State]++
	}
	for _, state := range trackedStates {
		m.devices.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
	return nil
}

// ObserveAllocation records one allocation attempt.
func (m *Metrics) ObserveAllocation(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(result).Inc()
	m.allocationDuration.Observe(duration.Seconds())
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
