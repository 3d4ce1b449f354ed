package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/api/handlers"
	"github.com/leozw/clan-war-guardian/internal/api/middleware"
	"github.com/leozw/clan-war-guardian/internal/config"
)

type Server struct {
	Config  *config.Config
	Router  *gin.Engine
	handler *handlers.Handler
}

func NewServer(cfg *config.Config, handler *handlers.Handler, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())

	server := &Server{
		Config:  cfg,
		Router:  router,
		handler: handler,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	h := s.handler

	s.Router.GET("/health", h.Health)
	s.Router.GET("/ready", h.Ready)
	s.Router.GET("/metrics", h.Metrics)

	api := s.Router.Group("/api/v1")
	api.Use(middleware.AuthRequired(s.Config.Auth.JWTSecret))
	api.Use(middleware.Guild())

	{
		api.GET("/config", h.GetConfig)
		api.PUT("/channels", h.SetChannels)
	}

	monitors := api.Group("/monitors")
	{
		monitors.POST("", h.CreateMonitor)
		monitors.DELETE("/:tag", h.DeleteMonitor)
		monitors.GET("/:tag/status", h.MonitorStatus)
		monitors.GET("/:tag/unlinked", h.UnlinkedParticipants)
		monitors.GET("/:tag/standings", h.LeagueStandings)
		monitors.POST("/:tag/prep-reset", h.ResetPrepReminder)
		monitors.POST("/:tag/prep-notifiers", h.AssignPrepNotifier)
		monitors.DELETE("/:tag/prep-notifiers/:user", h.RemovePrepNotifier)
	}

	links := api.Group("/links")
	{
		links.POST("", h.LinkAccount)
		links.DELETE("/:user/:tag", h.UnlinkAccount)
	}
}
