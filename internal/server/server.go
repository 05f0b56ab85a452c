package server

import (
	"context"
	"net/http"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/abuse"
	"github.com/aman-churiwal/admission-gateway/internal/admission"
	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/handler"
	"github.com/aman-churiwal/admission-gateway/internal/logger"
	"github.com/aman-churiwal/admission-gateway/internal/middleware"
	"github.com/aman-churiwal/admission-gateway/internal/proxy"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/aman-churiwal/admission-gateway/internal/service"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the components the HTTP surface is built from. Postgres, Breaker
// and Gatherer are optional.
type Deps struct {
	Store      storage.KV
	Breaker    *circuitbreaker.CircuitBreaker
	Postgres   *storage.Postgres
	Guard      *admission.Guard
	Ledger     *ratelimit.Ledger
	Profiler   *abuse.Profiler
	Aggregator *service.MetricsAggregator
	Gatherer   prometheus.Gatherer
}

type Server struct {
	router        *gin.Engine
	config        *config.Config
	deps          Deps
	proxy         *proxy.Proxy
	adminHandler  *handler.AdminHandler
	systemHandler *handler.SystemHandler
	httpServer    *http.Server
	startTime     time.Time
}

func New(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return nil, err
	}

	s := &Server{
		router:       router,
		config:       cfg,
		deps:         deps,
		adminHandler: handler.NewAdminHandler(deps.Ledger, deps.Profiler, deps.Aggregator),
		startTime:    time.Now(),
	}

	if cfg.Server.UpstreamURL != "" {
		p, err := proxy.New(cfg.Server.UpstreamURL)
		if err != nil {
			return nil, err
		}
		s.proxy = p
	}

	breakers := make(map[string]*circuitbreaker.CircuitBreaker)
	if deps.Breaker != nil {
		breakers["store"] = deps.Breaker
	}
	if s.proxy != nil {
		breakers["upstream"] = s.proxy.CircuitBreaker()
	}
	s.systemHandler = handler.NewSystemHandler(breakers)

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	if s.deps.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	admin := s.router.Group("/admin", middleware.RequireAdmin(s.config.Auth.AdminTokenHash))
	{
		admin.GET("/status", s.adminStatus)

		admin.POST("/whitelist", s.adminHandler.AddWhitelist)
		admin.DELETE("/whitelist/:identifier", s.adminHandler.RemoveWhitelist)

		admin.GET("/abuse/:identifier", s.adminHandler.GetAbuseRecord)
		admin.DELETE("/abuse/:identifier", s.adminHandler.Unblock)

		admin.GET("/quota/:identifier/:category", s.adminHandler.GetQuota)
		admin.DELETE("/quota/:identifier/:category", s.adminHandler.ResetQuota)

		admin.GET("/metrics", s.adminHandler.GetMetrics)
		admin.GET("/metrics/history", s.adminHandler.GetHistory)

		admin.GET("/system", s.systemHandler.AllBreakers)
		admin.GET("/system/:breaker", s.systemHandler.BreakerStatus)
		admin.POST("/system/:breaker/reset", s.systemHandler.ResetBreaker)
	}

	s.setupProxyRoutes()
}

// Every path outside /health, /metrics and /admin is admitted by the guard
// and then forwarded upstream.
func (s *Server) setupProxyRoutes() {
	routes := middleware.NewRouteTable(s.config.Routes)
	protected := []gin.HandlerFunc{
		middleware.Authenticate(s.config.Auth.JWTSecret, s.deps.Profiler),
		middleware.Admission(s.deps.Guard, routes),
	}

	if s.proxy != nil {
		s.router.NoRoute(append(protected, s.proxy.Handle)...)
		logger.Info("registered upstream proxy", logger.String("upstream", s.config.Server.UpstreamURL))
		return
	}

	s.router.NoRoute(append(protected, func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No upstream configured"})
	})...)
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	storeHealthy := true
	if err := s.deps.Store.Ping(ctx); err != nil {
		storeHealthy = false
		logger.Warn("store health check failed", logger.Err(err))
	}

	checks := gin.H{"store": storeHealthy}
	healthy := storeHealthy

	if s.deps.Postgres != nil {
		dbHealthy := true
		if err := s.deps.Postgres.Ping(ctx); err != nil {
			dbHealthy = false
			logger.Warn("database health check failed", logger.Err(err))
		}
		checks["database"] = dbHealthy
		healthy = healthy && dbHealthy
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		// The guard fails open, so a degraded store does not stop traffic.
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"service":   "admission-gateway",
		"version":   "1.0.0",
		"timestamp": time.Now().Unix(),
		"checks":    checks,
	})
}

func (s *Server) adminStatus(c *gin.Context) {
	status := gin.H{
		"gateway":   "running",
		"upstream":  s.config.Server.UpstreamURL,
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().Unix(),
		"metrics":   s.deps.Aggregator.GetMetrics(),
	}
	if s.deps.Breaker != nil {
		status["store_circuit"] = s.deps.Breaker.State().String()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	logger.Info("starting admission gateway",
		logger.String("addr", addr),
		logger.String("environment", s.config.Server.Environment),
	)

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("shutting down http server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
