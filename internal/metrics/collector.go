package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects tunnel control-plane metrics
type Collector struct {
	registry *prometheus.Registry

	connections atomic.Int64
	accepted    atomic.Uint64
	stops       atomic.Uint64

	// Prometheus metrics
	listenerGauge     prometheus.Gauge
	connectionsGauge  prometheus.Gauge
	acceptedCounter   prometheus.Counter
	signalsCounter    *prometheus.CounterVec
	stopsCounter      prometheus.Counter
	messagesCounter   *prometheus.CounterVec
	messageLatency    prometheus.Histogram
	stateGauge        prometheus.Gauge
	transitions       *prometheus.CounterVec
	persistenceErrors *prometheus.CounterVec
}

// NewCollector creates a collector registered on its own registry, so
// several instances can coexist in one process
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		listenerGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tonnet_tunnel_listener_up",
			Help: "1 while the tunnel listener is bound and advertised",
		}),
		connectionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tonnet_tunnel_connections_active",
			Help: "Number of active data-plane connections",
		}),
		acceptedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tonnet_tunnel_connections_accepted_total",
			Help: "Total connections accepted by the listener",
		}),
		signalsCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tonnet_tunnel_signals_received_total",
			Help: "Process signals received, by signal",
		}, []string{"signal"}),
		stopsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tonnet_tunnel_listener_stops_total",
			Help: "Listener stop sequences executed",
		}),
		messagesCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tonnet_tunnel_provider_messages_total",
			Help: "Provider messages, by outcome",
		}, []string{"outcome"}),
		messageLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tonnet_tunnel_provider_latency_seconds",
			Help:    "Provider message round-trip latency",
			Buckets: prometheus.DefBuckets,
		}),
		stateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tonnet_tunnel_connection_state",
			Help: "Current connection state as observed by the controller",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tonnet_tunnel_state_transitions_total",
			Help: "Connection state notifications, by new state",
		}, []string{"state"}),
		persistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tonnet_tunnel_persistence_failures_total",
			Help: "Configuration store failures, by operation",
		}, []string{"op"}),
	}

	c.registry.MustRegister(
		c.listenerGauge,
		c.connectionsGauge,
		c.acceptedCounter,
		c.signalsCounter,
		c.stopsCounter,
		c.messagesCounter,
		c.messageLatency,
		c.stateGauge,
		c.transitions,
		c.persistenceErrors,
	)

	return c
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SetListenerUp records whether the listener is serving
func (c *Collector) SetListenerUp(up bool) {
	if up {
		c.listenerGauge.Set(1)
		return
	}
	c.listenerGauge.Set(0)
}

// IncrConnections increments the connection count
func (c *Collector) IncrConnections() {
	c.connections.Add(1)
	c.accepted.Add(1)
	c.connectionsGauge.Inc()
	c.acceptedCounter.Inc()
}

// DecrConnections decrements the connection count
func (c *Collector) DecrConnections() {
	c.connections.Add(-1)
	c.connectionsGauge.Dec()
}

// GetConnections returns the current connection count
func (c *Collector) GetConnections() int64 {
	return c.connections.Load()
}

// SignalReceived counts a delivered signal
func (c *Collector) SignalReceived(name string) {
	c.signalsCounter.WithLabelValues(name).Inc()
}

// ListenerStopped counts an executed stop sequence
func (c *Collector) ListenerStopped() {
	c.stops.Add(1)
	c.stopsCounter.Inc()
	c.listenerGauge.Set(0)
}

// GetStops returns how many stop sequences ran
func (c *Collector) GetStops() uint64 {
	return c.stops.Load()
}

// ProviderMessage records the outcome of one provider exchange
func (c *Collector) ProviderMessage(outcome string, seconds float64) {
	c.messagesCounter.WithLabelValues(outcome).Inc()
	if seconds >= 0 {
		c.messageLatency.Observe(seconds)
	}
}

// StateChanged records a connection state notification
func (c *Collector) StateChanged(code int, name string) {
	c.stateGauge.Set(float64(code))
	c.transitions.WithLabelValues(name).Inc()
}

// PersistenceFailed counts a failed store operation
func (c *Collector) PersistenceFailed(op string) {
	c.persistenceErrors.WithLabelValues(op).Inc()
}

// Handler returns the Prometheus HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Stats returns current statistics
func (c *Collector) Stats() Stats {
	return Stats{
		Connections: c.connections.Load(),
		Accepted:    c.accepted.Load(),
		Stops:       c.stops.Load(),
	}
}

// Stats holds current statistics
type Stats struct {
	Connections int64
	Accepted    uint64
	Stops       uint64
}
