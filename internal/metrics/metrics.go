// Package metrics provides Prometheus instrumentation for the chaintrace service.
package metrics

import (
	"runtime"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chaintrace",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chaintrace",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// BlocksAppendedTotal counts product blocks appended to the ledger.
	BlocksAppendedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chaintrace",
		Name:      "blocks_appended_total",
		Help:      "Total product blocks appended to the ledger.",
	})

	// EventsAppendedTotal counts supply-chain events appended, by type.
	EventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chaintrace",
			Name:      "events_appended_total",
			Help:      "Total supply-chain events appended, by event type.",
		},
		[]string{"event_type"},
	)

	// ChainLength tracks the current number of blocks in the ledger.
	ChainLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chaintrace",
		Name:      "chain_length",
		Help:      "Current number of product blocks in the ledger.",
	})

	// AppendRejectedTotal counts rejected ledger appends, by reason.
	AppendRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chaintrace",
			Name:      "append_rejected_total",
			Help:      "Total rejected ledger appends, by reason.",
		},
		[]string{"reason"},
	)

	// EscrowActionsTotal counts escrow contract actions, by action and result.
	EscrowActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chaintrace",
			Name:      "escrow_actions_total",
			Help:      "Total escrow actions submitted, by action name and result.",
		},
		[]string{"action", "result"},
	)

	// EscrowConfirmationDuration observes time from submission to confirmation.
	EscrowConfirmationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chaintrace",
		Name:      "escrow_confirmation_duration_seconds",
		Help:      "Time from transaction submission to network confirmation in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 90, 300},
	})

	// ActiveEscrowSessions tracks currently connected escrow sessions.
	ActiveEscrowSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chaintrace",
		Name:      "active_escrow_sessions",
		Help:      "Number of currently connected escrow sessions.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chaintrace",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chaintrace",
		Name:      "goroutines",
		Help:      "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		BlocksAppendedTotal,
		EventsAppendedTotal,
		ChainLength,
		AppendRejectedTotal,
		EscrowActionsTotal,
		EscrowConfirmationDuration,
		ActiveEscrowSessions,
		ActiveWebSocketClients,
		GoroutineCount,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		GoroutineCount.Set(float64(runtime.NumGoroutine()))
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
