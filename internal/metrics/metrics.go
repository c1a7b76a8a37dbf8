package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "code"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)

	// Warehouse
	warehouseDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_deliveries_total",
			Help: "Total number of warehouse delivery attempts by outcome.",
		},
		[]string{"outcome"}, // delivered, transient, permanent
	)
	warehouseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warehouse_request_duration_seconds",
			Help:    "Warehouse request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Business
	ordersCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Total number of committed orders by kind.",
		},
		[]string{"kind"}, // order, payment
	)
	orderStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orders_status_count",
			Help: "Current count of order rows by status.",
		},
		[]string{"status"},
	)

	// Outbox
	outboxEventsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_events_count",
			Help: "Current count of outbox events by status.",
		},
		[]string{"status"},
	)
	outboxDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_events_delivered_total",
			Help: "Total number of outbox events marked as delivered.",
		},
	)
	outboxDeadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_events_dead_total",
			Help: "Total number of outbox events moved to the dead-letter state.",
		},
	)
	outboxRetryCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_retries_total",
			Help: "Total number of outbox delivery retries (failed attempts).",
		},
	)
	outboxLagSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_lag_seconds",
			Help:    "Lag between outbox event creation and dispatch attempt (seconds).",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
	)
	outboxPendingCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_count",
			Help: "Current number of pending outbox events.",
		},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,

			warehouseDeliveries,
			warehouseDuration,

			ordersCreated,
			orderStatus,

			outboxEventsTotal,
			outboxDeliveredTotal,
			outboxDeadTotal,
			outboxRetryCount,
			outboxLagSeconds,
			outboxPendingCount,
		)
		registerRedisMetrics()
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// --- HTTP ---
func ObserveHTTPRequest(method, route, code string, d time.Duration) {
	httpRequests.WithLabelValues(method, route, code).Inc()
	httpDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
}

// --- Warehouse ---
func IncWarehouseDelivery(outcome string) {
	warehouseDeliveries.WithLabelValues(outcome).Inc()
}
func ObserveWarehouseDuration(d time.Duration) { warehouseDuration.Observe(d.Seconds()) }

// --- Business ---
func IncOrderCreated(kind string) { ordersCreated.WithLabelValues(kind).Inc() }

// --- Outbox ---
func IncOutboxDelivered() { outboxDeliveredTotal.Inc() }
func IncOutboxDead()      { outboxDeadTotal.Inc() }
func IncOutboxRetry()     { outboxRetryCount.Inc() }
func ObserveOutboxLagSeconds(sec float64) {
	if sec < 0 {
		sec = 0
	}
	outboxLagSeconds.Observe(sec)
}

// --- Gauges (DB collectors) ---
func SetOrderStatusCount(status string, count int64) {
	if count < 0 {
		count = 0
	}
	orderStatus.WithLabelValues(status).Set(float64(count))
}
func SetOutboxStatusCount(status string, count int64) {
	if count < 0 {
		count = 0
	}
	outboxEventsTotal.WithLabelValues(status).Set(float64(count))
}
func SetOutboxPendingCount(count int64) {
	if count < 0 {
		count = 0
	}
	outboxPendingCount.Set(float64(count))
}

// helpers
func fmtInt(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [32]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
