// Package server wires the HTTP API and the push endpoint.
package server

import (
	"net/http"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/confhub/confhub/internal/audit"
	"github.com/confhub/confhub/internal/configsvc"
	"github.com/confhub/confhub/internal/notifier"
)

// Server exposes the config API over HTTP and the push protocol over
// websocket.
type Server struct {
	logger    *zap.Logger
	configSvc *configsvc.Service
	auditSvc  *audit.Service
	hub       *notifier.Hub
}

// NewServer creates the HTTP server.
func NewServer(logger *zap.Logger, configSvc *configsvc.Service, auditSvc *audit.Service, hub *notifier.Hub) *Server {
	return &Server{
		logger:    logger,
		configSvc: configSvc,
		auditSvc:  auditSvc,
		hub:       hub,
	}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.Default())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": s.hub.SessionCount()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})

	api := router.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			configs := v1.Group("/configs")
			{
				configs.GET("", s.handleListConfigs)
				configs.POST("", s.handleCreateConfig)
				configs.POST("/batch", s.handleBatchGet)
				configs.GET("/by-key", s.handleGetConfigByKey)
				configs.GET("/:id", s.handleGetConfig)
				configs.PUT("/:id", s.handleUpdateConfig)
				configs.DELETE("/:id", s.handleDeleteConfig)
				configs.GET("/:id/versions", s.handleVersionHistory)
				configs.POST("/:id/rollback", s.handleRollback)
			}

			v1.GET("/audit-logs", s.handleAuditLogs)
		}
	}

	return router
}
