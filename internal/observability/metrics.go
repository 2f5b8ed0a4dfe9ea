package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat4all_http_requests_total",
			Help: "Total number of HTTP requests processed by the service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat4all_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat4all_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat4all_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"event"},
	)
	messagesSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat4all_messages_submitted_total",
			Help: "Total number of message submissions.",
		},
		[]string{"result"},
	)
	deliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat4all_delivery_attempts_total",
			Help: "Total number of channel delivery attempts by outcome.",
		},
		[]string{"channel", "outcome"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat4all_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	uploadChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat4all_upload_chunks_total",
			Help: "Total number of accepted upload chunks.",
		},
	)
	uploadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat4all_upload_bytes_total",
			Help: "Total number of uploaded chunk bytes.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		messagesSubmittedTotal,
		deliveryAttemptsTotal,
		amqpPublishErrorsTotal,
		uploadChunksTotal,
		uploadBytesTotal,
	)
}

// HTTPMetricsMiddleware records request counts and latencies per route.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncSubmission(result string) {
	messagesSubmittedTotal.WithLabelValues(result).Inc()
}

func IncDeliveryAttempt(channel, outcome string) {
	deliveryAttemptsTotal.WithLabelValues(channel, outcome).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func ObserveUploadChunk(size int) {
	uploadChunksTotal.Inc()
	uploadBytesTotal.Add(float64(size))
}
