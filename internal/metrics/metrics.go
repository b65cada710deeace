// Package metrics provides Prometheus instrumentation for payment
// reconciliation, fulfillment, and download serving.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the server. A nil *Metrics is
// valid and turns every Observe method into a no-op, which keeps tests and
// partial wiring simple.
type Metrics struct {
	webhookTotal    *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec

	paymentsCompleted prometheus.Counter
	paymentsExpired   prometheus.Counter

	fulfillmentItems *prometheus.CounterVec

	downloadsTotal  *prometheus.CounterVec
	snapshotRepairs prometheus.Counter

	callbackDeliveries *prometheus.CounterVec

	rateLimitHits *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates and registers all collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "store_webhook_notifications_total",
			Help: "Bank webhook notifications by outcome.",
		}, []string{"outcome"}),
		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "store_webhook_processing_seconds",
			Help:    "Bank webhook processing duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		paymentsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "store_payments_completed_total",
			Help: "Payments transitioned from pending to completed.",
		}),
		paymentsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "store_payments_expired_total",
			Help: "Pending payments cancelled by the expiry sweep.",
		}),
		fulfillmentItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "store_fulfillment_items_total",
			Help: "Fulfilled line items by product kind and outcome.",
		}, []string{"kind", "outcome"}),
		downloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "store_downloads_total",
			Help: "Download attempts by outcome.",
		}, []string{"outcome"}),
		snapshotRepairs: factory.NewCounter(prometheus.CounterOpts{
			Name: "store_snapshot_repairs_total",
			Help: "Delivery snapshots healed from the catalog after a missing blob.",
		}),
		callbackDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "store_callback_deliveries_total",
			Help: "Outbound payment callbacks by outcome.",
		}, []string{"outcome"}),
		rateLimitHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "store_rate_limit_hits_total",
			Help: "Requests rejected by rate limiting.",
		}, []string{"scope"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "store_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "store_http_request_duration_seconds",
			Help:    "HTTP request duration by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// ObserveWebhook records one processed webhook notification.
func (m *Metrics) ObserveWebhook(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(outcome).Inc()
	m.webhookDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObservePaymentCompleted records a pending payment reaching completed.
func (m *Metrics) ObservePaymentCompleted() {
	if m == nil {
		return
	}
	m.paymentsCompleted.Inc()
}

// ObservePaymentsExpired records pending payments cancelled by the sweep.
func (m *Metrics) ObservePaymentsExpired(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.paymentsExpired.Add(float64(count))
}

// ObserveFulfillmentItem records the outcome of fulfilling one line item.
func (m *Metrics) ObserveFulfillmentItem(kind, outcome string) {
	if m == nil {
		return
	}
	m.fulfillmentItems.WithLabelValues(kind, outcome).Inc()
}

// ObserveDownload records one download attempt.
func (m *Metrics) ObserveDownload(outcome string) {
	if m == nil {
		return
	}
	m.downloadsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSnapshotRepair records a self-healed delivery snapshot.
func (m *Metrics) ObserveSnapshotRepair() {
	if m == nil {
		return
	}
	m.snapshotRepairs.Inc()
}

// ObserveCallback records one outbound callback delivery attempt result.
func (m *Metrics) ObserveCallback(outcome string) {
	if m == nil {
		return
	}
	m.callbackDeliveries.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitHit records a request rejected by the limiter.
func (m *Metrics) ObserveRateLimitHit(scope string) {
	if m == nil {
		return
	}
	m.rateLimitHits.WithLabelValues(scope).Inc()
}

// ObserveHTTPRequest records one served HTTP request.
func (m *Metrics) ObserveHTTPRequest(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
