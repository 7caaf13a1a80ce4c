// Package httpapi exposes a tracker.Server's state over HTTP: a health
// endpoint, a read-only admin surface (list a topic's presences, list
// known replicas), and a /metrics endpoint wrapping the prometheus
// registry.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ruvnet/presence/internal/tracker"
)

// NewRouter builds the admin HTTP surface for srv.
func NewRouter(srv *tracker.Server, reg *prometheus.Registry, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "self": srv.SelfRef()})
	})

	router.GET("/topics/:topic", func(c *gin.Context) {
		topic := c.Param("topic")
		list, err := srv.List(c.Request.Context(), topic)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"topic": topic, "presences": list})
	})

	router.GET("/replicas", func(c *gin.Context) {
		recs, err := srv.Replicas(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"replicas": recs})
	})

	if reg != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("httpapi: request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
		)
	}
}
