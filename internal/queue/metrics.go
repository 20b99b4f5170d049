package queue

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics метрики очереди блоков.
//
// * queue_ops_applied_total применённые операции
// * queue_ops_skipped_total{reason} пропущенные (mask, out_of_bounds, conflict, failed, abandoned)
// * queue_submit_rejected_total{reason} отказы постановки (saturated, would_block)
// * queue_lane_depth{lane} операций в полосе
// * queue_batch_duration_seconds от постановки до запечатывания
type Metrics struct {
	applied   prometheus.Counter
	skipped   *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	laneDepth *prometheus.GaugeVec
	duration  prometheus.Histogram
}

// NewMetrics создаёт метрики и регистрирует их в reg. nil reg метрики не регистрируются.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		applied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "queue",
			Name:      "ops_applied_total",
			Help:      "Общее число применённых операций над блоками.",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queue",
			Name:      "ops_skipped_total",
			Help:      "Операции, пропущенные при применении.",
		}, []string{"reason"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queue",
			Name:      "submit_rejected_total",
			Help:      "Отказы постановки в очередь из-за back-pressure.",
		}, []string{"reason"}),
		laneDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "queue",
			Name:      "lane_depth",
			Help:      "Количество операций, ожидающих применения в полосе.",
		}, []string{"lane"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "queue",
			Name:      "batch_duration_seconds",
			Help:      "Время от постановки пачки до её запечатывания.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.applied, m.skipped, m.rejected, m.laneDepth, m.duration)
	}
	return m
}

func (m *Metrics) lane(id int) prometheus.Gauge {
	return m.laneDepth.WithLabelValues(strconv.Itoa(id))
}
