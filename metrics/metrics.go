// Package metrics provides Prometheus instrumentation for the audio switch
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains Prometheus metrics for device arbitration. All record
// methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Hardware event metrics
	hardwareEventsTotal *prometheus.CounterVec
	eventsIgnoredTotal  prometheus.Counter

	// Observable state metrics
	deviceChangesTotal prometheus.Counter
	availableDevices   prometheus.Gauge
	selectedDevice     *prometheus.GaugeVec
	phase              *prometheus.GaugeVec

	// Routing metrics
	routeRequestsTotal *prometheus.CounterVec
	routingErrorsTotal *prometheus.CounterVec
	lifecycleRejects   *prometheus.CounterVec
	selectionsTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers new arbitration metrics
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.hardwareEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioswitch_hardware_events_total",
			Help: "Total number of hardware events processed",
		},
		[]string{"event"},
	)

	m.eventsIgnoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audioswitch_hardware_events_ignored_total",
			Help: "Hardware events dropped because the engine was not listening",
		},
	)

	m.deviceChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audioswitch_device_changes_total",
			Help: "Total number of listener notifications",
		},
	)

	m.availableDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audioswitch_available_devices",
			Help: "Number of device kinds currently available",
		},
	)

	m.selectedDevice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audioswitch_selected_device",
			Help: "1 for the currently selected device kind, 0 otherwise",
		},
		[]string{"kind"},
	)

	m.phase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audioswitch_phase",
			Help: "1 for the current lifecycle phase, 0 otherwise",
		},
		[]string{"phase"},
	)

	m.routeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioswitch_route_requests_total",
			Help: "Total number of routing intents sent to the sink",
		},
		[]string{"op", "kind"}, // op: route, release, focus, unfocus
	)

	m.routingErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioswitch_routing_errors_total",
			Help: "Total number of routing intents the sink failed to apply",
		},
		[]string{"op", "kind"},
	)

	m.lifecycleRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioswitch_lifecycle_rejects_total",
			Help: "Operations refused in the current phase or for an absent device",
		},
		[]string{"op", "reason"}, // reason: illegal, unavailable
	)

	m.selectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioswitch_selections_total",
			Help: "Total number of explicit selections and clears",
		},
		[]string{"kind"}, // kind "none" for a clear
	)
}

// Describe implements the Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.hardwareEventsTotal.Describe(ch)
	m.eventsIgnoredTotal.Describe(ch)
	m.deviceChangesTotal.Describe(ch)
	m.availableDevices.Describe(ch)
	m.selectedDevice.Describe(ch)
	m.phase.Describe(ch)
	m.routeRequestsTotal.Describe(ch)
	m.routingErrorsTotal.Describe(ch)
	m.lifecycleRejects.Describe(ch)
	m.selectionsTotal.Describe(ch)
}

// Collect implements the Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.hardwareEventsTotal.Collect(ch)
	m.eventsIgnoredTotal.Collect(ch)
	m.deviceChangesTotal.Collect(ch)
	m.availableDevices.Collect(ch)
	m.selectedDevice.Collect(ch)
	m.phase.Collect(ch)
	m.routeRequestsTotal.Collect(ch)
	m.routingErrorsTotal.Collect(ch)
	m.lifecycleRejects.Collect(ch)
	m.selectionsTotal.Collect(ch)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordEvent(event string) {
	if m == nil {
		return
	}
	m.hardwareEventsTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordIgnoredEvent() {
	if m == nil {
		return
	}
	m.eventsIgnoredTotal.Inc()
}

// RecordDeviceChange counts one notification and updates the state gauges.
// selected is empty when nothing is selected. kinds lists every kind so that
// stale selections are zeroed.
func (m *Metrics) RecordDeviceChange(available int, selected string, kinds []string) {
	if m == nil {
		return
	}
	m.deviceChangesTotal.Inc()
	m.availableDevices.Set(float64(available))
	for _, k := range kinds {
		v := 0.0
		if k == selected {
			v = 1
		}
		m.selectedDevice.WithLabelValues(k).Set(v)
	}
}

func (m *Metrics) SetPhase(current string, phases []string) {
	if m == nil {
		return
	}
	for _, p := range phases {
		v := 0.0
		if p == current {
			v = 1
		}
		m.phase.WithLabelValues(p).Set(v)
	}
}

func (m *Metrics) RecordRouteRequest(op, kind string) {
	if m == nil {
		return
	}
	m.routeRequestsTotal.WithLabelValues(op, kind).Inc()
}

func (m *Metrics) RecordRoutingError(op, kind string) {
	if m == nil {
		return
	}
	m.routingErrorsTotal.WithLabelValues(op, kind).Inc()
}

func (m *Metrics) RecordReject(op, reason string) {
	if m == nil {
		return
	}
	m.lifecycleRejects.WithLabelValues(op, reason).Inc()
}

func (m *Metrics) RecordSelection(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "none"
	}
	m.selectionsTotal.WithLabelValues(kind).Inc()
}
