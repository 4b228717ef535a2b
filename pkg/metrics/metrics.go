// Package metrics exposes prometheus collectors for the storage engine and the tcp server.
// Every method is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kvs"

// Metrics holds the collectors and the registry they are registered with.
type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	invalidCommands prometheus.Counter
	connections     prometheus.Gauge

	merges         prometheus.Counter
	mergeDuration  prometheus.Histogram
	mergeReclaimed prometheus.Counter
	storageBytes   prometheus.Gauge
	segments       prometheus.Gauge
	liveKeys       prometheus.Gauge
}

// New creates the collectors and registers them with a new registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "commands_total",
			Help:      "Commands handled, by command and result.",
		}, []string{"command", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "command_duration_seconds",
			Help:      "Time spent executing commands against the engine.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		}, []string{"command"}),
		invalidCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "invalid_commands_total",
			Help:      "Connections that did not send a decodable command.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "open_connections",
			Help:      "Connections currently being handled.",
		}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "merges_total",
			Help:      "Completed log merges.",
		}),
		mergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "merge_duration_seconds",
			Help:      "Time spent merging the log.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		mergeReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "merge_reclaimed_bytes_total",
			Help:      "Bytes of superseded records removed by merges.",
		}),
		storageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "bytes",
			Help:      "Total size of every tracked log segment.",
		}),
		segments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "segments",
			Help:      "Number of tracked log segments.",
		}),
		liveKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "live_keys",
			Help:      "Number of live keys in the index.",
		}),
	}

	m.registry.MustRegister(
		m.commands,
		m.commandDuration,
		m.invalidCommands,
		m.connections,
		m.merges,
		m.mergeDuration,
		m.mergeReclaimed,
		m.storageBytes,
		m.segments,
		m.liveKeys,
	)

	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an http.Handler serving the collectors in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCommand records one executed command and its result.
func (m *Metrics) ObserveCommand(command, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result).Inc()
	m.commandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// InvalidCommand records a connection that did not send a valid command.
func (m *Metrics) InvalidCommand() {
	if m == nil {
		return
	}
	m.invalidCommands.Inc()
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// ObserveMerge records a merge that shrank the log from before to after bytes.
func (m *Metrics) ObserveMerge(before, after int64, d time.Duration) {
	if m == nil {
		return
	}
	m.merges.Inc()
	m.mergeDuration.Observe(d.Seconds())
	if before > after {
		m.mergeReclaimed.Add(float64(before - after))
	}
}

// SetStorage records the current log size, segment count and live key count.
func (m *Metrics) SetStorage(bytes int64, segments, keys int) {
	if m == nil {
		return
	}
	m.storageBytes.Set(float64(bytes))
	m.segments.Set(float64(segments))
	m.liveKeys.Set(float64(keys))
}
