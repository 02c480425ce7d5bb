package main

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"panicrelay/relay"
)

// Metrics holds the relay's prometheus collectors on a private registry.
type Metrics struct {
	registry     *prometheus.Registry
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	events       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "panicrelay",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "panicrelay",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "panicrelay",
				Subsystem: "relay",
				Name:      "session_events_total",
				Help:      "Session events by kind.",
			},
			[]string{"kind"},
		),
	}
	m.registry.MustRegister(m.httpRequests, m.httpDuration, m.events)
	return m
}

// Observe counts relay session events. It never blocks.
func (m *Metrics) Observe(ev relay.Event) {
	m.events.WithLabelValues(string(ev.Kind)).Inc()
}

// WatchHub exports hub gauges, read from the hub on each scrape.
func (m *Metrics) WatchHub(hub *relay.Hub) {
	stat := func(pick func(relay.Stats) int) func() float64 {
		return func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			st, err := hub.Stats(ctx)
			if err != nil {
				return 0
			}
			return float64(pick(st))
		}
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "panicrelay", Subsystem: "relay", Name: "clients",
			Help: "Connected client websockets.",
		}, stat(func(s relay.Stats) int { return s.Clients })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "panicrelay", Subsystem: "relay", Name: "media_streams",
			Help: "Connected provider media streams.",
		}, stat(func(s relay.Stats) int { return s.Media })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "panicrelay", Subsystem: "relay", Name: "sessions",
			Help: "Live call sessions.",
		}, stat(func(s relay.Stats) int { return s.Sessions })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "panicrelay", Subsystem: "relay", Name: "active_calls",
			Help: "Sessions with a connected call.",
		}, stat(func(s relay.Stats) int { return s.Active })),
	)
}

// Middleware records request counts and latency.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
