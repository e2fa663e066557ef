// Package api exposes the lab over HTTP and streams its events over a websocket.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/lab"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

type handler struct {
	svc      *lab.Service
	log      *logger.Logger
	upgrader *websocket.Upgrader
}

// NewRouter builds the gin engine. metrics may be nil.
func NewRouter(svc *lab.Service, cfg config.ServerConfig, metrics http.Handler, log *logger.Logger) *gin.Engine {
	log = log.WithComponent("api")
	origins := newOriginPolicy(cfg.AllowedOrigins)
	h := &handler{svc: svc, log: log, upgrader: newUpgrader(origins)}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggingMiddleware(log))
	router.Use(CORSMiddleware(origins, log))
	if cfg.RequestsPerSecond > 0 {
		router.Use(RateLimitMiddleware(ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.RequestsPerSecond,
			BurstSize:         cfg.BurstSize,
		}), log))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": types.Version})
	})
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	router.GET("/api/events", h.streamEvents)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/config", h.getConfig)
		v1.PUT("/config", h.updateConfig)

		v1.POST("/domains/verify", h.requestVerification)
		v1.POST("/domains/check", h.checkVerification)
		v1.GET("/domains", h.listDomains)
		v1.DELETE("/domains/:domain", h.revokeDomain)

		v1.POST("/scans", h.startScan)
		v1.GET("/scans", h.listScans)
		v1.GET("/scans/:id", h.getScan)
		v1.POST("/scans/:id/cancel", h.cancelScan)
		v1.GET("/scans/:id/findings", h.scanFindings)

		v1.GET("/findings/:id", h.getFinding)
		v1.POST("/findings/:id/false-positive", h.markFalsePositive)
		v1.POST("/findings/:id/verify", h.verifyFinding)

		v1.POST("/exploits", h.startSession)
		v1.GET("/exploits", h.listSessions)
		v1.GET("/exploits/:id", h.getSession)
		v1.POST("/exploits/:id/commands", h.executeCommand)
		v1.GET("/exploits/:id/suggestions", h.suggestions)
		v1.POST("/exploits/:id/close", h.closeSession)
	}

	log.Infow("API routes registered", "routes", len(router.Routes()))
	return router
}

// NewServer wraps the router in an http.Server configured from cfg.
func NewServer(svc *lab.Service, cfg config.ServerConfig, metrics http.Handler, log *logger.Logger) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      NewRouter(svc, cfg, metrics, log),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
