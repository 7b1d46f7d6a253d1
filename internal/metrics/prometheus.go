package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prom holds the process-wide Prometheus instruments. Labels stay
// low-cardinality: program name, never tenant id or signature.
type Prom struct {
	registry *prometheus.Registry

	EventsIndexed     *prometheus.CounterVec
	EventsSkipped     *prometheus.CounterVec
	RowsWritten       *prometheus.CounterVec
	PollTicks         *prometheus.CounterVec
	RPCRequests       *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	ActivePipelines   prometheus.Gauge
}

// NewProm builds a fresh registry with the indexer's instruments.
func NewProm() *Prom {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Prom{
		registry: reg,
		EventsIndexed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uho", Name: "events_indexed_total",
			Help: "Decoded event rows committed to tenant tables.",
		}, []string{"program"}),
		EventsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uho", Name: "events_skipped_total",
			Help: "Rows skipped for discriminator mismatch or layout drift.",
		}, []string{"program"}),
		RowsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uho", Name: "rows_written_total",
			Help: "All rows written, including instructions and token tables.",
		}, []string{"program"}),
		PollTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uho", Name: "poll_ticks_total",
			Help: "Completed poll cycles per program.",
		}, []string{"program"}),
		RPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uho", Name: "rpc_requests_total",
			Help: "Solana RPC calls by method and outcome.",
		}, []string{"method", "outcome"}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uho", Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
		ActivePipelines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "uho", Name: "active_pipelines",
			Help: "Pipelines currently polling.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
