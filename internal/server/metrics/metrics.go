package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flowsentry/pkg/model"
)

// Metrics 使用独立的 registry，不污染全局默认 registry。
type Metrics struct {
	registry *prometheus.Registry

	scoredTotal    *prometheus.CounterVec
	rejectedTotal  *prometheus.CounterVec
	ingestedTotal  *prometheus.CounterVec
	fallbackTotal  *prometheus.CounterVec
	degradedTotal  prometheus.Counter
	throttledTotal prometheus.Counter
	liveFlows      prometheus.GaugeFunc
	scoreHistogram prometheus.Histogram
}

// New 注册所有指标；liveLen 用于导出实时缓冲区长度，可为 nil。
func New(liveLen func() int) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.scoredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsentry_flows_scored_total",
		Help: "Flows scored by the classifier, by resulting severity.",
	}, []string{"severity"})
	m.rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsentry_validation_errors_total",
		Help: "Requests rejected by validation, by stage.",
	}, []string{"stage"})
	m.ingestedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsentry_flows_ingested_total",
		Help: "Flows appended to the live buffer, by source.",
	}, []string{"source"})
	m.fallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsentry_protocol_fallback_total",
		Help: "Protocol encodings served by the static fallback table.",
	}, []string{"protocol"})
	m.degradedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowsentry_alert_log_unavailable_total",
		Help: "View requests served without the persisted alert log.",
	})
	m.throttledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowsentry_ingest_throttled_total",
		Help: "Ingest requests rejected by the rate limiter.",
	})
	m.scoreHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowsentry_score",
		Help:    "Distribution of malicious-class probabilities.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	m.registry.MustRegister(
		m.scoredTotal,
		m.rejectedTotal,
		m.ingestedTotal,
		m.fallbackTotal,
		m.degradedTotal,
		m.throttledTotal,
		m.scoreHistogram,
		collectors.NewGoCollector(),
	)
	if liveLen != nil {
		m.liveFlows = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flowsentry_live_flows",
			Help: "Flows currently held in the live buffer.",
		}, func() float64 { return float64(liveLen()) })
		m.registry.MustRegister(m.liveFlows)
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveScore(score float64, sev model.Severity) {
	m.scoredTotal.WithLabelValues(string(sev)).Inc()
	m.scoreHistogram.Observe(score)
}

func (m *Metrics) Rejected(stage string) {
	m.rejectedTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) Ingested(source string, n int) {
	m.ingestedTotal.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) Fallback(protocol string) {
	m.fallbackTotal.WithLabelValues(protocol).Inc()
}

func (m *Metrics) Degraded() { m.degradedTotal.Inc() }

func (m *Metrics) Throttled() { m.throttledTotal.Inc() }
