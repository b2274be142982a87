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
			Name: "dripline_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dripline_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	itemsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dripline_items_enqueued_total",
			Help: "Drip items accepted for sending",
		},
	)

	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripline_dispatch_outcomes_total",
			Help: "Dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dripline_dispatch_tick_duration_seconds",
			Help:    "Wall time of one dispatch tick",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	ticksSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripline_dispatch_ticks_skipped_total",
			Help: "Ticks that did no sending, by reason",
		},
		[]string{"reason"},
	)

	numberConsumptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripline_number_consumptions_total",
			Help: "Sending number quota and rate checks by result",
		},
		[]string{"result"},
	)

	transportSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dripline_transport_send_duration_seconds",
			Help:    "Provider send latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 15},
		},
		[]string{"transport"},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripline_webhook_events_total",
			Help: "Webhook events by kind and result",
		},
		[]string{"kind", "result"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripline_rate_limit_rejections_total",
			Help: "Requests or sends rejected by a rate limiter",
		},
		[]string{"key"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dripline_queue_items",
			Help: "Drip items by status",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func RecordEnqueued() {
	itemsEnqueued.Inc()
}

func RecordDispatchOutcome(outcome string) {
	dispatchOutcomes.WithLabelValues(outcome).Inc()
}

func RecordTick(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}

// RecordTickSkipped counts a tick that did nothing: "busy", "quiet_hours"
// or "global_rate".
func RecordTickSkipped(reason string) {
	ticksSkipped.WithLabelValues(reason).Inc()
}

func RecordNumberConsumption(result string) {
	numberConsumptions.WithLabelValues(result).Inc()
}

func RecordTransportSend(transport string, d time.Duration) {
	transportSendDuration.WithLabelValues(transport).Observe(d.Seconds())
}

func RecordWebhookEvent(kind, result string) {
	webhookEvents.WithLabelValues(kind, result).Inc()
}

func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
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

// Middleware records request metrics labelled by chi route pattern, so
// item IDs in paths do not create new series.
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
