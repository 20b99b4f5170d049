package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/annel0/blockedit/internal/app"
	"github.com/annel0/blockedit/internal/auth"
	"github.com/annel0/blockedit/internal/logging"
	"github.com/annel0/blockedit/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RestServer административный REST API редактора
type RestServer struct {
	router    *gin.Engine
	service   *app.Service
	issuer    *auth.Issuer
	operators *auth.Operators
	metrics   *ServerMetrics
	log       *logging.Logger
	httpSrv   *http.Server
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Addr      string // адрес для запуска сервера, ":8088"
	Service   *app.Service
	Issuer    *auth.Issuer
	Operators *auth.Operators
	Registry  *prometheus.Registry // источник /metrics и регистр HTTP-метрик
	Logger    *logging.Logger
}

// NewRestServer создает новый REST API сервер
func NewRestServer(config Config) *RestServer {
	if config.Addr == "" {
		config.Addr = ":8088"
	}
	if config.Logger == nil {
		config.Logger = logging.Default()
	}
	if config.Operators == nil {
		config.Operators = auth.NewOperators()
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// === Observability middleware ===
	router.Use(otelgin.Middleware("blockedit_api"))
	router.Use(middleware.NewRequestLogger(config.Logger).Handler())

	promMw := middleware.NewPrometheusMiddleware("blockedit_api", config.Registry)
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router, config.Registry)

	rs := &RestServer{
		router:    router,
		service:   config.Service,
		issuer:    config.Issuer,
		operators: config.Operators,
		metrics:   NewServerMetrics(),
		log:       config.Logger,
	}
	rs.httpSrv = &http.Server{
		Addr:              config.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	rs.setupRoutes()
	return rs
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	rs.router.GET("/health", rs.handleHealth)

	api := rs.router.Group("/api")
	api.POST("/auth/login", rs.handleLogin)

	// Защищенные эндпоинты (требуют JWT)
	protected := api.Group("/")
	protected.Use(rs.jwtMiddleware())
	{
		protected.GET("/stats", rs.handleStats)
		protected.POST("/undo", rs.handleUndo)
		protected.POST("/redo", rs.handleRedo)
		protected.POST("/flush", rs.handleFlush)

		// Откат и журнал только для админов
		admin := protected.Group("/")
		admin.Use(rs.adminMiddleware())
		{
			admin.POST("/rollback", rs.handleRollback)
			admin.GET("/records", rs.handleRecords)
		}
	}
}

// Handler корневой http.Handler сервера
func (rs *RestServer) Handler() http.Handler {
	return rs.router
}

// Start запускает HTTP-сервер в отдельной горутине
func (rs *RestServer) Start() {
	go func() {
		rs.log.Info("🌐 REST API запущен на %s", rs.httpSrv.Addr)
		if err := rs.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rs.log.Error("Ошибка REST API сервера: %v", err)
		}
	}()
}

// Shutdown корректно останавливает сервер
func (rs *RestServer) Shutdown(ctx context.Context) error {
	return rs.httpSrv.Shutdown(ctx)
}
