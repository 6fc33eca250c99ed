// Package metrics provides Prometheus instrumentation for the cardguard scorer.
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
			Namespace: "cardguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cardguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsTotal counts scored events by verdict.
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardguard",
			Name:      "events_total",
			Help:      "Total events scored by verdict.",
		},
		[]string{"verdict"},
	)

	// EventFailuresTotal counts retryable pipeline failures by stage.
	EventFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardguard",
			Name:      "event_failures_total",
			Help:      "Total retryable scoring failures by pipeline stage.",
		},
		[]string{"stage"},
	)

	// EventDuration observes end-to-end scoring latency.
	EventDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cardguard",
		Name:      "event_duration_seconds",
		Help:      "Time to score one event, from fetch to audit.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// SpeedKmPerHour observes determinable implied travel speeds.
	SpeedKmPerHour = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cardguard",
		Name:      "speed_km_per_hour",
		Help:      "Implied travel speed between consecutive transactions.",
		Buckets:   []float64{10, 50, 100, 250, 500, 900, 2000, 10000},
	})

	// SpeedUndeterminedTotal counts events whose speed could not be derived.
	SpeedUndeterminedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cardguard",
		Name:      "speed_undetermined_total",
		Help:      "Events with no prior position, a geo miss, or non-positive elapsed time.",
	})

	// CorruptRecordsTotal counts lookup records that failed to decode cleanly.
	CorruptRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cardguard",
		Name:      "corrupt_records_total",
		Help:      "Lookup records with malformed fields.",
	})

	// StoreCallsTotal counts state store calls by operation and result.
	StoreCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardguard",
			Name:      "store_calls_total",
			Help:      "State store calls by operation and result (ok, unavailable, corrupt, error).",
		},
		[]string{"op", "result"},
	)

	// StoreCallDuration observes state store latency by operation.
	StoreCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cardguard",
			Name:      "store_call_duration_seconds",
			Help:      "State store call duration in seconds, retries included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// IngestDroppedTotal counts messages dropped before scoring, by reason.
	IngestDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardguard",
			Name:      "ingest_dropped_total",
			Help:      "Messages dropped by the ingest adapter by reason.",
		},
		[]string{"reason"},
	)

	// IngestCommittedOffset tracks the last committed offset per partition.
	IngestCommittedOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cardguard",
			Name:      "ingest_committed_offset",
			Help:      "Last committed consumer offset by topic and partition.",
		},
		[]string{"topic", "partition"},
	)

	// LaneQueueDepth tracks pending events per dispatcher lane.
	LaneQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cardguard",
			Name:      "lane_queue_depth",
			Help:      "Events waiting in each dispatcher lane.",
		},
		[]string{"lane"},
	)

	// GeoIndexSize tracks the number of loaded postal codes.
	GeoIndexSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard",
		Name:      "geo_index_postcodes",
		Help:      "Number of postal codes in the loaded geo index.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsTotal,
		EventFailuresTotal,
		EventDuration,
		SpeedKmPerHour,
		SpeedUndeterminedTotal,
		CorruptRecordsTotal,
		StoreCallsTotal,
		StoreCallDuration,
		IngestDroppedTotal,
		IngestCommittedOffset,
		LaneQueueDepth,
		GeoIndexSize,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
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
