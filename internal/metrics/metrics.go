// Package metrics provides Prometheus instrumentation for the HTTP surface
// and process-level state. Pipeline outcome metrics live with the vault.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dimm",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dimm",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveWebSocketClients tracks connected event stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dimm",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// ActiveAgents mirrors the treasury's active agent counter.
	ActiveAgents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dimm",
		Name:      "active_agents",
		Help:      "Agents created and not revoked.",
	})

	// ProtocolPaused is 1 while the emergency pause is in effect.
	ProtocolPaused = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dimm",
		Name:      "protocol_paused",
		Help:      "1 when the protocol is paused, else 0.",
	})

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dimm", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dimm", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dimm", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dimm", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveWebSocketClients,
		ActiveAgents,
		ProtocolPaused,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// ProtocolSampler reads the current active agent count and pause flag.
type ProtocolSampler func(ctx context.Context) (activeAgents uint64, paused bool, err error)

// StartCollector samples process, database and protocol state into gauges
// every interval until ctx is done. db and sample may be nil.
func StartCollector(ctx context.Context, interval time.Duration, db *sql.DB, sample ProtocolSampler) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		collect(ctx, db, sample)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func collect(ctx context.Context, db *sql.DB, sample ProtocolSampler) {
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
	if db != nil {
		stats := db.Stats()
		DBOpenConnections.Set(float64(stats.OpenConnections))
		DBInUseConnections.Set(float64(stats.InUse))
		DBWaitDuration.Set(stats.WaitDuration.Seconds())
	}
	if sample != nil {
		if active, paused, err := sample(ctx); err == nil {
			ActiveAgents.Set(float64(active))
			if paused {
				ProtocolPaused.Set(1)
			} else {
				ProtocolPaused.Set(0)
			}
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Route pattern, not the raw path, keeps addresses out of labels.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
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
