package rollback

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics метрики журнала и движка отката
type Metrics struct {
	appended      prometheus.Counter
	appendErrors  prometheus.Counter
	persistDepth  prometheus.Gauge
	reverted      prometheus.Counter
	revertErrors  prometheus.Counter
	rollbackTimer prometheus.Histogram
}

// NewMetrics создаёт метрики; nil reg: без регистрации
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		appended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rollback",
			Name:      "records_appended_total",
			Help:      "Наборы изменений, записанные в журнал отката.",
		}),
		appendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rollback",
			Name:      "append_failures_total",
			Help:      "Наборы, которые не удалось записать после всех повторов.",
		}),
		persistDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rollback",
			Name:      "persist_queue_depth",
			Help:      "Наборы, ожидающие фоновой записи.",
		}),
		reverted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rollback",
			Name:      "records_reverted_total",
			Help:      "Записи, отменённые откатом.",
		}),
		revertErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rollback",
			Name:      "records_failed_total",
			Help:      "Записи, пропущенные откатом из-за ошибки.",
		}),
		rollbackTimer: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rollback",
			Name:      "duration_seconds",
			Help:      "Длительность одного отката.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.appended, m.appendErrors, m.persistDepth, m.reverted, m.revertErrors, m.rollbackTimer)
	}
	return m
}
