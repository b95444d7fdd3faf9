package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_accepted_total",
			Help: "Notifications accepted at intake by delay tier",
		},
		[]string{"delay"},
	)

	jobsScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_delivery_jobs_scheduled_total",
			Help: "Deferred delivery jobs enqueued by channel",
		},
		[]string{"channel"},
	)

	unscheduledRecipients = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_unscheduled_recipients_total",
			Help: "Stored recipients whose job could not be enqueued, by where it happened",
		},
		[]string{"stage"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_deliveries_total",
			Help: "Delivery attempts by channel and send log status",
		},
		[]string{"channel", "status"},
	)

	dispatchLag = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_dispatch_lag_seconds",
			Help:    "Time between a job's dispatch time and the attempt",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"channel"},
	)

	sendLogWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_sendlog_write_failures_total",
			Help: "Send log entries that could not be written",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_delivery_queue_depth",
			Help: "Delivery jobs waiting or in flight",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_circuit_state",
			Help: "Circuit breaker state per transport (0=closed, 1=half-open, 2=open)",
		},
		[]string{"transport"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordNotificationAccepted counts a stored notification
func RecordNotificationAccepted(delay string) {
	notificationsAccepted.WithLabelValues(delay).Inc()
}

// RecordJobScheduled counts an enqueued delivery job
func RecordJobScheduled(channel string) {
	jobsScheduled.WithLabelValues(channel).Inc()
}

// RecordUnscheduled counts recipients left for the reconciler.
// stage is "intake" or "reconcile".
func RecordUnscheduled(stage string, n int) {
	unscheduledRecipients.WithLabelValues(stage).Add(float64(n))
}

// RecordDelivery records the outcome of one delivery attempt
func RecordDelivery(channel, status string) {
	deliveries.WithLabelValues(channel, status).Inc()
}

// RecordDispatchLag records how late an attempt ran relative to its dispatch time
func RecordDispatchLag(channel string, lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	dispatchLag.WithLabelValues(channel).Observe(lag.Seconds())
}

// RecordSendLogWriteFailure counts a lost send log entry
func RecordSendLogWriteFailure() {
	sendLogWriteFailures.Inc()
}

// SetQueueDepth sets the current delivery queue depth
func SetQueueDepth(n int64) {
	queueDepth.Set(float64(n))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetCircuitState publishes a breaker state for a transport
func SetCircuitState(transport string, state int) {
	circuitState.WithLabelValues(transport).Set(float64(state))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled with the chi route pattern so ids don't explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
