package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"storage-rpc/message"
)

// Metrics holds the collectors updated by MetricsMiddleware.
type Metrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics creates the request collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storage_rpc",
			Name:      "requests_total",
			Help:      "RPC requests handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "storage_rpc",
			Name:      "request_duration_seconds",
			Help:      "Time from dispatch until the handler responded.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.Duration)
	}
	return m
}

func MetricsMiddleware(m *Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request, respond Responder) {
			start := time.Now()
			next(ctx, req, func(err error, result any) {
				outcome := "ok"
				if err != nil {
					outcome = "error"
				}
				m.Requests.WithLabelValues(req.Method, outcome).Inc()
				m.Duration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
				respond(err, result)
			})
		}
	}
}
