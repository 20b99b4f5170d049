package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMiddleware HTTP-метрики административного API.
//
//   - <ns>_http_request_duration_seconds{method,path,status}
//   - <ns>_http_requests_inflight
//   - <ns>_http_request_errors_total{method,path,status}: ответы 4xx/5xx
//   - <ns>_http_backpressure_total{path}: 429, очередь блоков не приняла правку
type PrometheusMiddleware struct {
	reqDuration  *prometheus.HistogramVec
	reqInflight  prometheus.Gauge
	reqErrors    *prometheus.CounterVec
	backpressure *prometheus.CounterVec
}

// NewPrometheusMiddleware создаёт middleware; метрики регистрируются в reg, если он задан.
func NewPrometheusMiddleware(namespace string, reg prometheus.Registerer) *PrometheusMiddleware {
	pm := &PrometheusMiddleware{
		reqDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Длительность HTTP-запросов.",
			// откат большой области может идти десятки секунд
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30},
		}, []string{"method", "path", "status"}),
		reqInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_inflight",
			Help:      "Запросы в обработке.",
		}),
		reqErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Запросы, завершившиеся статусом 4xx/5xx.",
		}, []string{"method", "path", "status"}),
		backpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_backpressure_total",
			Help:      "Запросы, отклонённые из-за переполненной очереди блоков.",
		}, []string{"path"}),
	}

	if reg != nil {
		reg.MustRegister(pm.reqDuration, pm.reqInflight, pm.reqErrors, pm.backpressure)
	}
	return pm
}

// Handler подключается через router.Use()
func (pm *PrometheusMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		pm.reqInflight.Inc()
		defer pm.reqInflight.Dec()

		c.Next()

		pm.observe(c, time.Since(start))
	}
}

func (pm *PrometheusMiddleware) observe(c *gin.Context, elapsed time.Duration) {
	code := c.Writer.Status()
	status := strconv.Itoa(code)
	path := c.FullPath()
	if path == "" {
		path = "unmatched" // произвольные URL не должны плодить серии
	}
	method := c.Request.Method

	pm.reqDuration.WithLabelValues(method, path, status).Observe(elapsed.Seconds())
	if code >= http.StatusBadRequest {
		pm.reqErrors.WithLabelValues(method, path, status).Inc()
	}
	if code == http.StatusTooManyRequests {
		pm.backpressure.WithLabelValues(path).Inc()
	}
}

// RegisterMetricsEndpoint отдаёт метрики g на GET /metrics
func (pm *PrometheusMiddleware) RegisterMetricsEndpoint(r *gin.Engine, g prometheus.Gatherer) {
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
}
