package server

import (
	"database/sql"

	"github.com/gin-gonic/gin"

	"github.com/destekhq/destek-server/internal/auth"
	"github.com/destekhq/destek-server/internal/broker"
	"github.com/destekhq/destek-server/internal/config"
	"github.com/destekhq/destek-server/internal/history"
	"github.com/destekhq/destek-server/internal/hub"
	"github.com/destekhq/destek-server/internal/logger"
	"github.com/destekhq/destek-server/internal/metrics"
	"github.com/destekhq/destek-server/internal/ratelimit"
	"github.com/destekhq/destek-server/internal/session"
)

// Server assembles the HTTP surface: auth endpoints, health, metrics and the
// WebSocket entry point.
type Server struct {
	cfg      *config.Config
	auth     *auth.Service
	authMW   *auth.Middleware
	hub      *hub.Hub
	sessions session.Store
	broker   broker.Broker
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	db       *sql.DB
	history  history.ChatStore
	logger   *logger.Logger
}

// Dependencies carries everything the router needs. DB may be nil when no
// database is configured.
type Dependencies struct {
	Config   *config.Config
	Auth     *auth.Service
	AuthMW   *auth.Middleware
	Hub      *hub.Hub
	Sessions session.Store
	Broker   broker.Broker
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Metrics
	DB       *sql.DB
	History  history.ChatStore
	Logger   *logger.Logger
}

// New creates the server.
func New(deps Dependencies) *Server {
	return &Server{
		cfg:      deps.Config,
		auth:     deps.Auth,
		authMW:   deps.AuthMW,
		hub:      deps.Hub,
		sessions: deps.Sessions,
		broker:   deps.Broker,
		limiter:  deps.Limiter,
		metrics:  deps.Metrics,
		db:       deps.DB,
		history:  deps.History,
		logger:   deps.Logger.WithComponent("server"),
	}
}

// Router builds the gin engine with the full middleware chain.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(ClientIP())
	router.Use(SecurityHeaders(s.cfg.IsProduction()))
	router.Use(CORS(s.cfg.CORSAllowedOrigins))

	router.GET("/metrics", s.metrics.Handler())
	router.GET("/api/health", s.handleHealth)

	api := router.Group("/api")
	api.Use(s.limiter.Middleware(ratelimit.ClassGeneral))
	{
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/login", s.handleLogin)
			authGroup.POST("/refresh", s.handleRefresh)
			authGroup.POST("/logout", s.handleLogout)
			authGroup.GET("/me", s.authMW.RequireAuth(), s.handleMe)
		}
		api.GET("/sessions/:session_id/history", s.authMW.RequireAuth(), s.handleHistory)
	}

	ws := router.Group("/ws")
	ws.Use(s.limiter.Middleware(ratelimit.ClassGeneral))
	ws.Use(s.authMW.RequireAuth())
	{
		ws.GET("/:user_id", s.handleWebSocket)
	}

	return router
}
