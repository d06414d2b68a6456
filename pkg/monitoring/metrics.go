package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector manages Prometheus metrics for a service
type MetricsCollector struct {
	serviceName string

	// Standard HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeConnections   prometheus.Gauge
	serviceInfo         *prometheus.GaugeVec

	// Custom metrics registry
	customMetrics map[string]prometheus.Collector
}

// NewMetricsCollector creates a new metrics collector for a service
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	// Sanitize service name for Prometheus (replace hyphens with underscores)
	sanitizedServiceName := strings.ReplaceAll(serviceName, "-", "_")

	mc := &MetricsCollector{
		serviceName:   sanitizedServiceName,
		customMetrics: make(map[string]prometheus.Collector),
	}

	// Standard HTTP metrics
	mc.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	mc.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    mc.serviceName + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	mc.activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_active_connections",
			Help: "Number of active connections",
		},
	)

	mc.serviceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_service_info",
			Help: "Service information",
		},
		[]string{"version", "commit"},
	)

	// Register standard metrics
	prometheus.MustRegister(mc.httpRequestsTotal)
	prometheus.MustRegister(mc.httpRequestDuration)
	prometheus.MustRegister(mc.activeConnections)
	prometheus.MustRegister(mc.serviceInfo)

	// Set service info
	mc.serviceInfo.WithLabelValues(version, commit).Set(1)

	return mc
}

// RegisterCustomMetric registers a custom Prometheus metric
func (mc *MetricsCollector) RegisterCustomMetric(name string, metric prometheus.Collector) {
	mc.customMetrics[name] = metric
	prometheus.MustRegister(metric)
}

// MetricsMiddleware returns middleware that collects HTTP metrics
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Increment active connections
		mc.activeConnections.Inc()
		defer mc.activeConnections.Dec()

		// Process request
		c.Next()

		// Record metrics
		duration := time.Since(start).Seconds()
		method := c.Request.Method
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())

		mc.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
		mc.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// Service-specific metric helpers

// NewCounter creates a new counter metric for the service
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_" + name,
			Help: help,
		},
		labels,
	)
	mc.RegisterCustomMetric(name, counter)
	return counter
}

// NewGauge creates a new gauge metric for the service
func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_" + name,
			Help: help,
		},
		labels,
	)
	mc.RegisterCustomMetric(name, gauge)
	return gauge
}

// NewHistogram creates a new histogram metric for the service
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    mc.serviceName + "_" + name,
			Help:    help,
			Buckets: buckets,
		},
		labels,
	)
	mc.RegisterCustomMetric(name, histogram)
	return histogram
}

// Common service metrics creators

// CreateDatabaseMetrics creates standard database metrics
func (mc *MetricsCollector) CreateDatabaseMetrics() (
	*prometheus.CounterVec, // db_queries_total
	*prometheus.HistogramVec, // db_query_duration_seconds
) {
	queries := mc.NewCounter("db_queries_total", "Total database queries", []string{"query_type", "status"})
	duration := mc.NewHistogram("db_query_duration_seconds", "Database query duration", []string{"query_type"}, nil)

	return queries, duration
}

// CreateVisionMetrics creates metrics for vision inference calls
func (mc *MetricsCollector) CreateVisionMetrics() (
	*prometheus.CounterVec, // vision_requests_total
	*prometheus.HistogramVec, // vision_request_duration_seconds
	*prometheus.CounterVec, // vision_cloud_fallbacks_total
) {
	requests := mc.NewCounter("vision_requests_total", "Total vision inference requests", []string{"provider", "stage", "status"})
	duration := mc.NewHistogram("vision_request_duration_seconds", "Vision inference duration",
		[]string{"provider", "stage"}, []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120})
	fallbacks := mc.NewCounter("vision_cloud_fallbacks_total", "Cloud fallback activations", []string{"reason"})

	return requests, duration, fallbacks
}

// CreatePipelineMetrics creates metrics for the frame analysis pipeline
func (mc *MetricsCollector) CreatePipelineMetrics() (
	*prometheus.CounterVec, // frames_total
	*prometheus.GaugeVec, // analyses_in_flight
	*prometheus.HistogramVec, // frame_processing_duration_seconds
) {
	frames := mc.NewCounter("frames_total", "Frames by outcome", []string{"scenario", "outcome"})
	inFlight := mc.NewGauge("analyses_in_flight", "Analyses currently in flight", []string{"stage"})
	duration := mc.NewHistogram("frame_processing_duration_seconds", "End-to-end frame processing duration",
		[]string{"scenario"}, []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120})

	return frames, inFlight, duration
}

// CreateNotifierMetrics creates metrics for notification fan-out
func (mc *MetricsCollector) CreateNotifierMetrics() (
	*prometheus.CounterVec, // notifications_total
	*prometheus.CounterVec, // notifications_rate_limited_total
	*prometheus.HistogramVec, // notification_send_duration_seconds
) {
	sends := mc.NewCounter("notifications_total", "Notification sends by outcome", []string{"channel", "status"})
	limited := mc.NewCounter("notifications_rate_limited_total", "Sends suppressed by rate limits", []string{"channel"})
	duration := mc.NewHistogram("notification_send_duration_seconds", "Notification send duration", []string{"channel"}, nil)

	return sends, limited, duration
}

// CreateSignalingMetrics creates metrics for the signaling switch
func (mc *MetricsCollector) CreateSignalingMetrics() (
	*prometheus.GaugeVec, // signaling_rooms_active
	*prometheus.GaugeVec, // signaling_peers_connected
	*prometheus.CounterVec, // signaling_messages_total
) {
	rooms := mc.NewGauge("signaling_rooms_active", "Rooms currently active", []string{"state"})
	peers := mc.NewGauge("signaling_peers_connected", "Connected signaling peers", []string{"role"})
	messages := mc.NewCounter("signaling_messages_total", "Signaling messages relayed", []string{"type"})

	return rooms, peers, messages
}

// CreateEscalationMetrics creates metrics for the alert escalation engine
func (mc *MetricsCollector) CreateEscalationMetrics() (
	*prometheus.GaugeVec, // alerts_active
	*prometheus.CounterVec, // escalation_steps_total
) {
	active := mc.NewGauge("alerts_active", "Unacknowledged alerts", []string{"severity"})
	steps := mc.NewCounter("escalation_steps_total", "Escalation steps fired", []string{"level"})

	return active, steps
}

// CreateReviewMetrics creates metrics for the content review queue
func (mc *MetricsCollector) CreateReviewMetrics() (
	*prometheus.GaugeVec, // review_items_pending
	*prometheus.CounterVec, // review_decisions_total
	*prometheus.CounterVec, // review_lease_expiries_total
) {
	pending := mc.NewGauge("review_items_pending", "Review items awaiting a reviewer", []string{"tier"})
	decisions := mc.NewCounter("review_decisions_total", "Review decisions submitted", []string{"decision"})
	expiries := mc.NewCounter("review_lease_expiries_total", "Reviewer leases reclaimed by the sweeper", nil)

	return pending, decisions, expiries
}
