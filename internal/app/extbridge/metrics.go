package extbridge

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeSuccess  = "success"
	outcomeAborted  = "aborted"
	outcomeCanceled = "canceled"
	outcomeError    = "error"

	outcomeInvalidResponse = "invalid_response"
)

// Metrics 记录 exchange 的关键指标。
type Metrics struct {
	exchangeTotal *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	rejected      *prometheus.CounterVec
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		exchangeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "extbridge",
			Name:      "exchange_total",
			Help:      "Number of settled extension exchanges",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "extbridge",
			Name:      "exchange_latency_ms",
			Help:      "Time from popup open to settlement in milliseconds",
			Buckets:   []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		}, []string{"operation"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "extbridge",
			Name:      "exchange_in_flight",
			Help:      "Number of exchanges waiting for the extension",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "extbridge",
			Name:      "exchange_rejected_total",
			Help:      "Number of operations rejected before a popup was opened",
		}, []string{"operation", "reason"}),
	}
	reg.MustRegister(m.exchangeTotal, m.latency, m.inFlight, m.rejected)
	return m
}

func (m *Metrics) incInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) decInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *Metrics) observeSettled(op Operation, outcome string, durMs float64) {
	if m == nil {
		return
	}
	m.exchangeTotal.WithLabelValues(string(op), outcome).Inc()
	m.latency.WithLabelValues(string(op)).Observe(durMs)
}

func (m *Metrics) incRejected(op Operation, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(string(op), reason).Inc()
}
