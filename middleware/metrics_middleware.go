package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"frame-rpc/message"
)

// Metrics holds the render counters and latency histogram.
type Metrics struct {
	renders  *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framerpc_server_renders_total",
			Help: "Renders completed, by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "framerpc_server_render_duration_seconds",
			Help:    "Time spent rendering one request",
			Buckets: prometheus.DefBuckets,
		}),
	}
	for _, c := range []prometheus.Collector{m.renders, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MetricsMiddleware records every render's outcome and duration in m.
func MetricsMiddleware(m *Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			start := time.Now()
			value, err := next(ctx, req)
			m.duration.Observe(time.Since(start).Seconds())
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			m.renders.WithLabelValues(outcome).Inc()
			return value, err
		}
	}
}
