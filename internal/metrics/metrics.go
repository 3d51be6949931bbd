// Package metrics holds the Prometheus instruments of the LwM2M transport.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "lwm2m_transport"
)

// Key generation outcomes
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds all transport metrics
type Metrics struct {
	SupervisorState       prometheus.Gauge
	InstanceUp            *prometheus.GaugeVec
	EventsForwardedTotal  *prometheus.CounterVec
	KeyGenerationsTotal   *prometheus.CounterVec
	InstanceDestroyErrors *prometheus.CounterVec
	DeviceSessions        prometheus.Gauge
	EventTapSubscribers   prometheus.Gauge
	PacketsDroppedTotal   *prometheus.CounterVec
}

// New registers the transport metrics with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		SupervisorState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervisor_state",
			Help:      "Current supervisor state (0=uninitialized, 1=initializing, 2=running, 3=shutting_down, 4=stopped, 5=failed)",
		}),
		InstanceUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_up",
			Help:      "Whether a server instance is started (1) or not (0)",
		}, []string{"instance"}),
		EventsForwardedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_forwarded_total",
			Help:      "Total number of engine events forwarded to the handling service",
		}, []string{"instance", "kind"}),
		KeyGenerationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_generations_total",
			Help:      "Total number of key material generation runs",
		}, []string{"result"}),
		InstanceDestroyErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_destroy_errors_total",
			Help:      "Total number of failed server instance destroys",
		}, []string{"instance"}),
		DeviceSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_sessions",
			Help:      "Number of registered device sessions",
		}),
		EventTapSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_tap_subscribers",
			Help:      "Number of connected event tap subscribers",
		}),
		PacketsDroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total number of datagrams dropped by the per-peer rate limit",
		}, []string{"endpoint"}),
	}
}

// NewNop returns metrics registered with a private registry
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
