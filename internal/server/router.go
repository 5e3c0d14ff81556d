package server

import (
	"github.com/gin-gonic/gin"

	"github.com/notesmith/engine/internal/handlers"
	"github.com/notesmith/engine/internal/middleware"
)

type RouterConfig struct {
	TriggerHandler  *handlers.TriggerHandler
	InflightLimiter *middleware.InflightLimiter
	Mode            string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	router.GET("/healthcheck", handlers.HealthCheck)

	// Push subscriptions. The in-flight limiter turns over-cap deliveries
	// away before any stage work starts.
	subscriptions := router.Group("/")
	subscriptions.Use(cfg.InflightLimiter.Limit())
	subscriptions.POST("/stt-branch-subscription", cfg.TriggerHandler.STTBranch)
	subscriptions.POST("/smart-branch-subscription", cfg.TriggerHandler.SmartBranch)

	return router
}
