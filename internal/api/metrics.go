package bridgeapi

import (
	"github.com/aegis-sign/extbridge/internal/app/extbridge"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 记录 API 层的限流情况。
type Metrics struct {
	rateLimited *prometheus.CounterVec
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "extbridge",
			Name:      "api_rate_limited_total",
			Help:      "Requests rejected by the popup rate limiter",
		}, []string{"operation"}),
	}
	reg.MustRegister(m.rateLimited)
	return m
}

func (m *Metrics) incRateLimited(op extbridge.Operation) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(string(op)).Inc()
}
