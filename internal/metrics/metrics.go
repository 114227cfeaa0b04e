package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Transitions *prometheus.CounterVec
	Consumed    *prometheus.CounterVec
	DeadLetters *prometheus.CounterVec
	Published   *prometheus.CounterVec
	Requests    *prometheus.CounterVec
	LatencyMS   *prometheus.HistogramVec
}

// New registers the collectors on reg. Tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Name:      "order_transitions_total",
			Help:      "Order status transitions.",
		}, []string{"from", "to"}),
		Consumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Name:      "messages_consumed_total",
			Help:      "Consumed messages by outcome.",
		}, []string{"topic", "result"}),
		DeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Name:      "dead_letters_total",
			Help:      "Messages moved to a dead-letter topic.",
		}, []string{"topic"}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Name:      "outbox_published_total",
			Help:      "Outbox rows published to the bus.",
		}, []string{"topic"}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "saga",
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
	}
}

// Middleware records request count and latency per route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.Requests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.LatencyMS.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
	}
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
