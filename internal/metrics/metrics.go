package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flash_sale"

// Metrics 秒杀链路指标。所有方法对 nil 接收者安全，便于测试里省略。
type Metrics struct {
	reg *prometheus.Registry

	reservations  *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	compensations *prometheus.CounterVec
	alerts        *prometheus.CounterVec
}

// New 使用独立 registry，避免与默认全局 registry 冲突。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation attempts by result.",
		}, []string{"result"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement events handled by outcome.",
		}, []string{"outcome"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Applied compensations by source (request or worker).",
		}, []string{"source"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_alerts_total",
			Help:      "Operator alerts raised by the settlement worker.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.reservations,
		m.settlements,
		m.compensations,
		m.alerts,
	)
	return m
}

func (m *Metrics) Reservation(result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(result).Inc()
}

func (m *Metrics) Settlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Compensation(source string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(source).Inc()
}

func (m *Metrics) Alert(reason string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(reason).Inc()
}

// RegisterParkedBacklog 暴露停放区长度。fn 在每次抓取时调用。
func (m *Metrics) RegisterParkedBacklog(fn func() float64) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "settlement_parked",
		Help:      "Settlement events waiting in the parking lot.",
	}, fn))
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
