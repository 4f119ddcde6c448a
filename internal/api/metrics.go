package api

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// 调用结果分类。
const (
	outcomeOK             = "ok"
	outcomeHTTPError      = "http_error"
	outcomeTransportError = "transport_error"
)

// Metrics 记录对后端的出站调用。
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics 创建并向 reg 注册采集器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escudo",
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Outbound requests to the scanning backend.",
		}, []string{"method", "path", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "escudo",
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Latency of outbound requests to the scanning backend.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

func (m *Metrics) observe(method, path, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, path, outcome).Inc()
	m.duration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
