// Package metrics defines the Prometheus instruments of the checkout core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "storefront"
	subsystem = "checkout"
)

// Metrics bundles every instrument the service records.
type Metrics struct {
	OrdersCreated     prometheus.Counter
	Confirmations     *prometheus.CounterVec
	ConfirmationNoops prometheus.Counter
	WebhookDeliveries *prometheus.CounterVec
	JanitorCancelled  prometheus.Counter
	StockShortfalls   prometheus.Counter
	HTTPDuration      *prometheus.HistogramVec
}

// New registers all instruments against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OrdersCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "orders_created_total",
			Help:      "Orders opened, including ones later auto-cancelled.",
		}),
		Confirmations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "payment_confirmations_total",
			Help:      "Pending-to-terminal payment transitions, by outcome and caller.",
		}, []string{"outcome", "caller"}),
		ConfirmationNoops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "payment_confirmation_noops_total",
			Help:      "Confirmation attempts on an already-finalized order.",
		}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_deliveries_total",
			Help:      "Inbound webhook deliveries, by processing result.",
		}, []string{"result"}),
		JanitorCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "janitor_cancelled_orders_total",
			Help:      "Abandoned pending orders cancelled by the janitor.",
		}),
		StockShortfalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stock_shortfalls_total",
			Help:      "Confirmed orders whose stock decrement updated fewer products than ordered.",
		}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
}
