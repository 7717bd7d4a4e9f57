package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestDuration tracks gateway request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "path", "status"},
	)

	// OrdersTotal counts order operations by action and market.
	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_orders_total",
			Help: "Total number of order operations",
		},
		[]string{"action", "market"},
	)

	// MatchesTotal counts executed fills by market.
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_matches_total",
			Help: "Total number of executed fills",
		},
		[]string{"market"},
	)

	// OrderBookDepth tracks the number of price levels per side.
	OrderBookDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exchange_orderbook_depth",
			Help: "Current order book depth in price levels",
		},
		[]string{"market", "side"},
	)

	// RequestsConsumed counts envelopes dequeued from the broker.
	RequestsConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_requests_consumed_total",
			Help: "Total request envelopes consumed from the broker",
		},
	)
)

// PrometheusMiddleware records gateway request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()

		HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(c.Writer.Status()),
		).Observe(duration)
	}
}
