package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/developer-mesh/docmesh/pkg/observability"
)

// NewRouter builds the gin engine serving the API, /health and /metrics
func NewRouter(mode string, handler *Handler, health *HealthChecker, gatherer prometheus.Gatherer, logger observability.Logger) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}
	logger = observability.OrNoop(logger).WithPrefix("http")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(ErrorHandlerMiddleware(logger))

	router.GET("/health", health.HealthHandler)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	handler.RegisterRoutes(router)
	return router
}

func requestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request handled", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}
