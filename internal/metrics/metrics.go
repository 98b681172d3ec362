// Package metrics defines the gateway's Prometheus instrumentation and
// serves it over HTTP.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every counter, gauge, and histogram the gateway exports,
// each registered against its own private Prometheus registry rather than
// the global default one. That keeps multiple Registry instances (as
// constructed in tests, one per case) from colliding over collector names.
type Registry struct {
	reg *prometheus.Registry

	messagesSent     prometheus.Counter
	messagesReceived prometheus.Counter

	rpcCallsTotal  *prometheus.CounterVec
	rpcErrorsTotal *prometheus.CounterVec
	rpcLatencyMs   *prometheus.HistogramVec

	wsClientsActive prometheus.Gauge
	wsDropped       prometheus.Counter

	webhookDeliveries prometheus.Counter
	webhookFailures   prometheus.Counter
}

// New constructs a Registry with its own Prometheus registry and returns it
// ready for use.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Registry{
		reg: reg,

		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "signal_messages_sent_total",
			Help: "Total number of outbound Signal messages sent via the daemon.",
		}),
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "signal_messages_received_total",
			Help: "Total number of notification envelopes received from the daemon.",
		}),
		rpcCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_rpc_calls_total",
			Help: "Total number of JSON-RPC calls issued to signal-cli, by method.",
		}, []string{"method"}),
		rpcErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_rpc_errors_total",
			Help: "Total number of JSON-RPC calls that resulted in an error, by method.",
		}, []string{"method"}),
		rpcLatencyMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signal_rpc_latency_ms",
			Help:    "Latency of JSON-RPC calls to signal-cli in milliseconds, by method.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"method"}),
		wsClientsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signal_ws_clients_active",
			Help: "Number of currently connected WebSocket/SSE receive consumers.",
		}),
		wsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_messages_dropped_total",
			Help: "Total number of envelopes dropped from a consumer's outbound queue because it was full.",
		}),
		webhookDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "signal_webhook_deliveries_total",
			Help: "Total number of webhook deliveries that succeeded.",
		}),
		webhookFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "signal_webhook_failures_total",
			Help: "Total number of webhook deliveries that failed after all retries.",
		}),
	}
}

// Handler serves this Registry's metrics in the Prometheus exposition
// format, scoped to the collectors registered on it rather than the global
// default registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Registry) IncMessagesSent()     { r.messagesSent.Inc() }
func (r *Registry) IncMessagesReceived() { r.messagesReceived.Inc() }

func (r *Registry) IncRPCCall(method string)  { r.rpcCallsTotal.WithLabelValues(method).Inc() }
func (r *Registry) IncRPCError(method string) { r.rpcErrorsTotal.WithLabelValues(method).Inc() }

func (r *Registry) ObserveRPCLatency(method string, d time.Duration) {
	r.rpcLatencyMs.WithLabelValues(method).Observe(float64(d.Milliseconds()))
}

func (r *Registry) SetWSClientsActive(n int) { r.wsClientsActive.Set(float64(n)) }
func (r *Registry) IncWSClientsActive()      { r.wsClientsActive.Inc() }
func (r *Registry) DecWSClientsActive()      { r.wsClientsActive.Dec() }
func (r *Registry) IncWSDropped()            { r.wsDropped.Inc() }

func (r *Registry) IncWebhookDelivery() { r.webhookDeliveries.Inc() }
func (r *Registry) IncWebhookFailure()  { r.webhookFailures.Inc() }
