// Package metrics owns the Prometheus registry for the realtime core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups every collector the server exports.
type Registry struct {
	reg *prometheus.Registry

	// Session router.
	ActiveSessions  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	FramesIn        *prometheus.CounterVec
	FrameErrors     *prometheus.CounterVec
	SlowDisconnects prometheus.Counter

	// Topic bus.
	Topics          prometheus.Gauge
	EventsPublished prometheus.Counter
	EventsDelivered prometheus.Counter
	EventsDropped   prometheus.Counter
	BrokerConnected prometheus.Gauge

	// Message pipeline.
	MessagesPersisted prometheus.Counter

	// Push dispatcher.
	PushGated     *prometheus.CounterVec
	PushSent      prometheus.Counter
	PushFailed    prometheus.Counter
	TokensReaped  prometheus.Counter
	PushQueueSize prometheus.Gauge

	// Storage.
	DBLatency *prometheus.HistogramVec

	// System sampler.
	CPUPercent prometheus.Gauge
	MemPercent prometheus.Gauge
}

// New builds a registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scp_sessions_active",
			Help: "Currently connected WebSocket sessions.",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "scp_sessions_total",
			Help: "Sessions accepted since start.",
		}),
		FramesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scp_frames_in_total",
			Help: "Inbound WebSocket frames by action.",
		}, []string{"action"}),
		FrameErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scp_frame_errors_total",
			Help: "Inbound frames that produced an error reply, by action.",
		}, []string{"action"}),
		SlowDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "scp_slow_disconnects_total",
			Help: "Sessions dropped because their outbound queue stayed full.",
		}),

		Topics: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scp_bus_topics",
			Help: "Topics with at least one local subscriber.",
		}),
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "scp_bus_published_total",
			Help: "Events published to the topic bus.",
		}),
		EventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "scp_bus_delivered_total",
			Help: "Events handed to subscriber queues.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "scp_bus_dropped_total",
			Help: "Events dropped from full subscriber queues.",
		}),
		BrokerConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scp_broker_connected",
			Help: "1 when the NATS connection is up.",
		}),

		MessagesPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "scp_messages_persisted_total",
			Help: "Chat messages written to durable storage.",
		}),

		PushGated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scp_push_gated_total",
			Help: "Push notifications dropped by a gate, by gate name.",
		}, []string{"gate"}),
		PushSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "scp_push_sent_total",
			Help: "Vendor push messages accepted by FCM.",
		}),
		PushFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "scp_push_failed_total",
			Help: "Vendor push messages that failed after retries.",
		}),
		TokensReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "scp_push_tokens_reaped_total",
			Help: "Device tokens marked inactive after vendor rejection.",
		}),
		PushQueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scp_push_queue_size",
			Help: "Delivery tasks waiting in the push queue.",
		}),

		DBLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scp_db_latency_seconds",
			Help:    "Latency of database operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),

		CPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scp_system_cpu_percent",
			Help: "Process host CPU utilisation.",
		}),
		MemPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scp_system_mem_percent",
			Help: "Process host memory utilisation.",
		}),
	}
}

// Prometheus exposes the underlying registry for the /metrics handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}
