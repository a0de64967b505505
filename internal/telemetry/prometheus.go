// Package telemetry exports provider call metrics to Prometheus.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xiaopang/tavernai/internal/model"
	"github.com/xiaopang/tavernai/internal/monitor"
)

type PrometheusMetrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tavernai_provider_calls_total",
				Help: "Total number of upstream provider calls",
			},
			[]string{"provider", "operation", "status"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tavernai_provider_call_duration_seconds",
				Help:    "Duration of upstream provider calls in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "operation"},
		),
		tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tavernai_provider_tokens_total",
				Help: "Total number of tokens reported by upstream providers",
			},
			[]string{"provider"},
		),
	}
}

// Observe records one metric log entry.
func (p *PrometheusMetrics) Observe(m model.Metric) {
	status := "success"
	if !m.Success {
		status = "error"
	}
	provider := string(m.Provider)
	p.calls.WithLabelValues(provider, string(m.Operation), status).Inc()
	p.duration.WithLabelValues(provider, string(m.Operation)).
		Observe((time.Duration(m.ResponseTimeMs) * time.Millisecond).Seconds())
	if m.TokenCount > 0 {
		p.tokens.WithLabelValues(provider).Add(float64(m.TokenCount))
	}
}

var _ monitor.Observer = (*PrometheusMetrics)(nil)
