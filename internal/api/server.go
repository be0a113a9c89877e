// Package api is the HTTP surface: gin routes over the platform
// components, the shared response envelope, bearer authentication, and
// the taxonomy-to-status error mapping. No business rules live here.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pilothouse-ai/pilothouse/pkg/agents"
	"github.com/pilothouse-ai/pilothouse/pkg/auth"
	"github.com/pilothouse-ai/pilothouse/pkg/cache"
	"github.com/pilothouse-ai/pilothouse/pkg/clock"
	"github.com/pilothouse-ai/pilothouse/pkg/collab"
	"github.com/pilothouse-ai/pilothouse/pkg/config"
	"github.com/pilothouse-ai/pilothouse/pkg/insights"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
	"github.com/pilothouse-ai/pilothouse/pkg/providers"
	"github.com/pilothouse-ai/pilothouse/pkg/queue"
	"github.com/pilothouse-ai/pilothouse/pkg/tenant"
)

// Version is stamped at build time
var Version = "dev"

// Deps carries the wired components the surface exposes
type Deps struct {
	Auth       *auth.Service
	Tenants    *tenant.Service
	Agents     *agents.Registry
	Dispatcher *queue.Dispatcher
	Collabs    *collab.Service
	Insights   *insights.Engine
	Cache      cache.Cache
	Providers  *providers.Registry
	Clock      clock.Clock
	Logger     observability.Logger
	Metrics    observability.MetricsClient
}

// Server is the HTTP surface
type Server struct {
	router *gin.Engine
	server *http.Server

	auth       *auth.Service
	tenants    *tenant.Service
	agents     *agents.Registry
	dispatcher *queue.Dispatcher
	collabs    *collab.Service
	insights   *insights.Engine
	cache      cache.Cache
	providers  *providers.Registry
	clk        clock.Clock
	logger     observability.Logger
	metrics    observability.MetricsClient

	development   bool
	singleTenant  bool
	defaultTenant uuid.UUID
	startedAt     time.Time
}

// NewServer wires the routes. Run starts serving.
func NewServer(cfg config.APIConfig, development bool, deps Deps) *Server {
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	s := &Server{
		router:     router,
		auth:       deps.Auth,
		tenants:    deps.Tenants,
		agents:     deps.Agents,
		dispatcher: deps.Dispatcher,
		collabs:    deps.Collabs,
		insights:   deps.Insights,
		cache:      deps.Cache,
		providers:  deps.Providers,
		clk:        deps.Clock,
		logger:     deps.Logger.WithPrefix("api"),
		metrics:    deps.Metrics,

		development:  development,
		singleTenant: cfg.SingleTenant,
		startedAt:    deps.Clock.Now(),
	}
	if cfg.DefaultTenant != "" {
		if id, err := uuid.Parse(cfg.DefaultTenant); err == nil {
			s.defaultTenant = id
		}
	}

	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/auth/login", s.handleLogin)
	r.GET("/tenants/:id/branding", s.handleBranding)

	authd := r.Group("", s.authenticated())
	{
		authd.POST("/auth/logout", s.handleLogout)

		authd.POST("/users", s.require(auth.PermUserManage), s.handleCreateUser)
		authd.POST("/users/:id/password", s.handleChangePassword)

		authd.POST("/tenants", s.require(auth.PermTenantWrite), s.handleCreateTenant)
		authd.GET("/tenants", s.require(auth.PermTenantRead), s.handleListTenants)
		authd.GET("/tenants/:id", s.require(auth.PermTenantRead), s.handleGetTenant)
		authd.PATCH("/tenants/:id", s.require(auth.PermTenantWrite), s.handleUpdateTenant)
		authd.POST("/tenants/reseller", s.require(auth.PermTenantWrite), s.handleCreateReseller)

		authd.POST("/agents/:kind/tasks", s.require(auth.PermAgentSubmit), s.handleSubmitTask)
		authd.POST("/agents/:kind/control", s.require(auth.PermAgentControl), s.handleAgentControl)
		authd.GET("/agents/status", s.require(auth.PermTenantRead), s.handleAgentStatus)
		authd.GET("/agents/tasks/history", s.require(auth.PermTaskViewAny), s.handleTaskHistory)

		authd.GET("/tasks/:id", s.handleGetTask)
		authd.POST("/tasks/:id/cancel", s.require(auth.PermAgentSubmit), s.handleCancelTask)

		authd.POST("/collaborations", s.require(auth.PermCollabInitiate), s.handleInitiateCollab)
		authd.GET("/collaborations", s.require(auth.PermTenantRead), s.handleListCollabs)
		authd.GET("/collaborations/:id", s.require(auth.PermTenantRead), s.handleCollabStatus)
		authd.POST("/collaborations/:id/steps", s.require(auth.PermAgentSubmit), s.handleAddStep)
		authd.POST("/delegate", s.handleDelegate)

		authd.GET("/insights/summary", s.require(auth.PermInsightRead), s.handleInsightSummary)
		authd.POST("/insights/analyze", s.require(auth.PermInsightRead), s.handleInsightAnalyze)
		authd.GET("/insights", s.require(auth.PermInsightRead), s.handleListInsights)

		authd.GET("/cache/stats", s.require(auth.PermTenantRead), s.handleCacheStats)
		authd.POST("/cache/clear", s.require(auth.PermCacheClear), s.handleCacheClear)

		authd.GET("/audit", s.require(auth.PermAuditRead), s.handleAuditEvents)

		authd.GET("/providers", s.require(auth.PermTenantRead), s.handleListProviders)
		authd.POST("/providers/:name/availability", s.require(auth.PermTenantWrite), s.handleProviderAvailability)
	}
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until the listener fails or Shutdown is called
func (s *Server) Run() error {
	s.logger.Info("http server listening", map[string]interface{}{"address": s.server.Addr})
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
